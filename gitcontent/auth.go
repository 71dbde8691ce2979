package gitcontent

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/openwiki/packsync/giturl"
)

// Auth holds the credentials used to reach private content repos.
type Auth struct {
	// path to the ssh key used to fetch remotes
	SSHKeyPath string `yaml:"ssh_key_path"`

	// path to the known hosts of the remote host
	SSHKnownHostsPath string `yaml:"ssh_known_hosts_path"`

	// GitHub App details for https remotes
	// the application id or the client ID of the GitHub app
	GithubAppID string `yaml:"github_app_id"`
	// the installation id of the app (in the organization)
	GithubAppInstallationID string `yaml:"github_app_installation_id"`
	// path to the github app private key
	GithubAppPrivateKeyPath string `yaml:"github_app_private_key_path"`
}

// gitEnv returns the env vars required to authenticate git against the
// given remote. Empty for public https/local remotes.
func (a *Auth) gitEnv(url string) []string {
	if a == nil {
		return nil
	}
	if giturl.IsSCPURL(url) || giturl.IsSSHURL(url) {
		return []string{a.gitSSHCommand()}
	}
	return nil
}

// gitSSHCommand builds the GIT_SSH_COMMAND value for key based auth.
func (a *Auth) gitSSHCommand() string {
	sshKeyPath := a.SSHKeyPath
	if sshKeyPath == "" {
		// disable ssh auth, git will fall back to its own config
		return `GIT_SSH_COMMAND=ssh -o IdentitiesOnly=no`
	}

	knownHostsOptions := "-o StrictHostKeyChecking=no"
	if a.SSHKnownHostsPath != "" {
		knownHostsOptions = fmt.Sprintf("-o StrictHostKeyChecking=yes -o UserKnownHostsFile=%s", a.SSHKnownHostsPath)
	}

	return fmt.Sprintf(`GIT_SSH_COMMAND=ssh -q -F none -o IdentitiesOnly=yes -i %s %s`, sshKeyPath, knownHostsOptions)
}

// GithubAppTokenReqPermissions scopes an installation token request.
type GithubAppTokenReqPermissions struct {
	Repositories []string          `json:"repositories"`
	Permissions  map[string]string `json:"permissions"`
}

// GithubAppToken is a short lived installation access token.
type GithubAppToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// GithubAppInstallationToken exchanges the app's private key for an
// installation access token usable as an https password.
func GithubAppInstallationToken(ctx context.Context,
	appID, installationID, privateKeyPath string, reqPerms GithubAppTokenReqPermissions,
) (*GithubAppToken, error) {
	privatePEMData, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, err
	}

	block, _ := pem.Decode(privatePEMData)
	if block == nil || block.Type != "RSA PRIVATE KEY" {
		return nil, fmt.Errorf("failed to decode PEM block containing private key")
	}

	privateKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}

	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.RS256, Key: privateKey}, nil)
	if err != nil {
		return nil, err
	}

	cl := jwt.Claims{
		// GitHub App's ID or client ID
		Issuer: appID,
		// issued at time, 60 seconds in the past to allow for clock drift
		IssuedAt: jwt.NewNumericDate(time.Now().Add(-60 * time.Second)),
		// JWT expiration time (10 minute maximum)
		Expiry: jwt.NewNumericDate(time.Now().Add(10 * time.Minute)),
	}

	jwtToken, err := jwt.Signed(signer).Claims(cl).Serialize()
	if err != nil {
		return nil, err
	}

	reqBody, err := json.Marshal(reqPerms)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("https://api.github.com/app/installations/%s/access_tokens", installationID)

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}

	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+jwtToken)
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		errMessage, err := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("GitHub app token response status %d, body:%q  err:%w", resp.StatusCode, errMessage, err)
	}

	var tokenResponse GithubAppToken
	if err := json.NewDecoder(resp.Body).Decode(&tokenResponse); err != nil {
		return nil, err
	}

	return &tokenResponse, nil
}
