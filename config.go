package main

import (
	"fmt"
	"os"
	"path"
	"reflect"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/openwiki/packsync/gitcontent"
	"github.com/openwiki/packsync/operation"
	"github.com/openwiki/packsync/wiki"
)

const (
	defaultListen           = ":8080"
	defaultMetricsNamespace = "packsync"
	defaultSyncInterval     = 5 * time.Minute
	defaultApplyTimeout     = 10 * time.Minute
)

var defaultRoot = path.Join(os.TempDir(), "packsync")

// Config is the service configuration loaded from yaml.
type Config struct {
	// root directory for bare mirrors and worktrees
	ContentRoot string `yaml:"content_root"`
	// path of the sqlite registry database
	Database string `yaml:"database"`
	// http listen address
	Listen string `yaml:"listen"`
	// namespace prepended to all exported metrics
	MetricsNamespace string `yaml:"metrics_namespace"`
	// shared secret of the github push webhook, webhook disabled if empty
	WebhookSecret string `yaml:"webhook_secret"`
	// interval between background syncs of all repos, 0 disables
	SyncInterval time.Duration `yaml:"sync_interval"`
	// garbage collection mode run after syncs, one of
	// off, auto, always, aggressive
	GitGC string `yaml:"git_gc"`

	Auth       gitcontent.Auth  `yaml:"auth"`
	Wiki       wiki.Config      `yaml:"wiki"`
	Operations operation.Config `yaml:"operations"`
}

func applyDefaults(conf *Config) {
	if conf.ContentRoot == "" {
		conf.ContentRoot = defaultRoot
	}
	if conf.Database == "" {
		conf.Database = path.Join(conf.ContentRoot, "packsync.db")
	}
	if conf.Listen == "" {
		conf.Listen = defaultListen
	}
	if conf.MetricsNamespace == "" {
		conf.MetricsNamespace = defaultMetricsNamespace
	}
	if conf.SyncInterval == 0 {
		conf.SyncInterval = defaultSyncInterval
	}
	if conf.GitGC == "" {
		conf.GitGC = gitcontent.GCAlways
	}
	if conf.Operations.Timeout == 0 {
		conf.Operations.Timeout = defaultApplyTimeout
	}
}

func parseConfigFile(path string) (*Config, error) {
	yamlFile, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if err := validateConfig(yamlFile); err != nil {
		return nil, err
	}

	conf := &Config{}
	if err := yaml.Unmarshal(yamlFile, conf); err != nil {
		return nil, err
	}

	applyDefaults(conf)
	return conf, nil
}

func validateConfig(yamlData []byte) error {
	var raw map[string]interface{}
	if err := yaml.Unmarshal(yamlData, &raw); err != nil {
		return err
	}

	// check config sections for unexpected keys
	allowedConfigKeys := getAllowedKeys(Config{})
	if key := findUnexpectedKey(raw, allowedConfigKeys); key != "" {
		return fmt.Errorf("unexpected key: .%v", key)
	}

	if authMap, ok := raw["auth"].(map[string]interface{}); ok {
		allowedAuthKeys := getAllowedKeys(gitcontent.Auth{})
		if key := findUnexpectedKey(authMap, allowedAuthKeys); key != "" {
			return fmt.Errorf("unexpected key: .auth.%v", key)
		}
	}

	if wikiMap, ok := raw["wiki"].(map[string]interface{}); ok {
		allowedWikiKeys := getAllowedKeys(wiki.Config{})
		if key := findUnexpectedKey(wikiMap, allowedWikiKeys); key != "" {
			return fmt.Errorf("unexpected key: .wiki.%v", key)
		}
	}

	if opsMap, ok := raw["operations"].(map[string]interface{}); ok {
		allowedOpsKeys := getAllowedKeys(operation.Config{})
		if key := findUnexpectedKey(opsMap, allowedOpsKeys); key != "" {
			return fmt.Errorf("unexpected key: .operations.%v", key)
		}
	}

	return nil
}

// getAllowedKeys retrieves a list of allowed keys from the specified struct
func getAllowedKeys(config interface{}) []string {
	var allowedKeys []string
	val := reflect.ValueOf(config)
	typ := reflect.TypeOf(config)

	for i := 0; i < val.NumField(); i++ {
		field := typ.Field(i)
		yamlTag := field.Tag.Get("yaml")
		if yamlTag != "" {
			allowedKeys = append(allowedKeys, yamlTag)
		}
	}
	return allowedKeys
}

func findUnexpectedKey(raw interface{}, allowedKeys []string) string {
	for key := range raw.(map[string]interface{}) {
		if !slices.Contains(allowedKeys, key) {
			return key
		}
	}

	return ""
}
