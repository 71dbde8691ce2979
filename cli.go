package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/urfave/cli/v3"
	"github.com/xlab/treeprint"

	"github.com/openwiki/packsync/apply"
	"github.com/openwiki/packsync/errkind"
	"github.com/openwiki/packsync/giturl"
	"github.com/openwiki/packsync/manifest"
	"github.com/openwiki/packsync/operation"
	"github.com/openwiki/packsync/registry"
	"github.com/openwiki/packsync/resolve"
	"github.com/openwiki/packsync/session"
)

func repoCommand() *cli.Command {
	return &cli.Command{
		Name:  "repo",
		Usage: "Manage registered content repositories.",
		Commands: []*cli.Command{
			{
				Name:   "list",
				Usage:  "List registered repositories.",
				Action: runRepoList,
			},
			{
				Name:      "add",
				Usage:     "Mirror a repository and create the worktree of its default ref.",
				ArgsUsage: "<repo-url>",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "ref",
						Value: "main",
						Usage: "Default ref of the repository.",
					},
				},
				Action: runRepoAddCLI,
			},
			{
				Name:      "sync",
				Usage:     "Fetch a mirrored repository and update all its worktrees.",
				ArgsUsage: "<repo-url>",
				Action:    runRepoSyncCLI,
			},
			{
				Name:      "remove",
				Usage:     "Remove a repository, its mirror and all its worktrees.",
				ArgsUsage: "<repo-url>",
				Action:    runRepoRemoveCLI,
			},
		},
	}
}

func runRepoList(ctx context.Context, c *cli.Command) error {
	a, err := setupApp(c)
	if err != nil {
		return err
	}
	defer a.close()

	repos, err := a.repos.List(ctx)
	if err != nil {
		return err
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"URL", "HASH", "DEFAULT REF", "LAST FETCHED"})
	for _, repo := range repos {
		fetched := "never"
		if repo.LastFetched > 0 {
			fetched = time.Unix(repo.LastFetched, 0).UTC().Format(time.RFC3339)
		}
		t.AppendRow(table.Row{repo.URL, giturl.Hash(repo.URL), repo.DefaultRef, fetched})
	}
	t.Render()
	return nil
}

func runRepoAddCLI(ctx context.Context, c *cli.Command) error {
	url := c.Args().Get(0)
	if url == "" {
		return errkind.New(errkind.Validation, "repo-url argument is required")
	}

	a, err := setupApp(c)
	if err != nil {
		return err
	}
	defer a.close()

	ref := c.String("ref")
	if _, err := a.content.EnsureBareRepo(ctx, url, ref); err != nil {
		return err
	}
	if _, err := a.content.EnsureWorktree(ctx, url, ref); err != nil {
		return err
	}
	fmt.Printf("added %s (%s)\n", url, ref)
	return nil
}

func runRepoSyncCLI(ctx context.Context, c *cli.Command) error {
	url := c.Args().Get(0)
	if url == "" {
		return errkind.New(errkind.Validation, "repo-url argument is required")
	}

	a, err := setupApp(c)
	if err != nil {
		return err
	}
	defer a.close()

	synced, err := a.content.SyncRepo(ctx, url)
	if err != nil {
		return err
	}
	fmt.Printf("synced %d refs of %s\n", synced, url)
	return nil
}

func runRepoRemoveCLI(ctx context.Context, c *cli.Command) error {
	url := c.Args().Get(0)
	if url == "" {
		return errkind.New(errkind.Validation, "repo-url argument is required")
	}

	a, err := setupApp(c)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.content.RemoveRepo(ctx, url); err != nil {
		return err
	}
	fmt.Printf("removed %s\n", url)
	return nil
}

func manifestCommand() *cli.Command {
	refFlag := &cli.StringFlag{
		Name:  "ref",
		Value: "main",
		Usage: "Ref whose manifest to read.",
	}
	return &cli.Command{
		Name:  "manifest",
		Usage: "Inspect the manifest of a registered repository ref.",
		Commands: []*cli.Command{
			{
				Name:      "show",
				Usage:     "Show the packs declared by the manifest.",
				ArgsUsage: "<repo-url>",
				Flags:     []cli.Flag{refFlag},
				Action:    runManifestShow,
			},
			{
				Name:      "tree",
				Usage:     "Show the pack containment hierarchy.",
				ArgsUsage: "<repo-url>",
				Flags:     []cli.Flag{refFlag},
				Action:    runManifestTree,
			},
			{
				Name:      "graph",
				Usage:     "Show the pack reference edges.",
				ArgsUsage: "<repo-url>",
				Flags:     []cli.Flag{refFlag},
				Action:    runManifestGraph,
			},
		},
	}
}

// manifestFor resolves the manifest of the given repo url and ref
// through the cache.
func manifestFor(ctx context.Context, a *app, url, ref string) (*manifest.Result, error) {
	repo, err := a.repos.GetByURL(ctx, url)
	if err != nil {
		return nil, err
	}
	if repo == nil {
		return nil, errkind.New(errkind.NotFound, "repo %q is not registered", url)
	}
	return a.store.Get(ctx, manifest.Key{RepoURL: repo.URL, Ref: ref, LastFetched: repo.LastFetched})
}

func runManifestShow(ctx context.Context, c *cli.Command) error {
	url := c.Args().Get(0)
	if url == "" {
		return errkind.New(errkind.Validation, "repo-url argument is required")
	}

	a, err := setupApp(c)
	if err != nil {
		return err
	}
	defer a.close()

	res, err := manifestFor(ctx, a, url, c.String("ref"))
	if err != nil {
		return err
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"PACK", "VERSION", "PAGES", "DEPENDS ON", "CONTAINS"})
	for _, id := range res.Manifest.PackIDs() {
		p := res.Manifest.Packs[id]
		t.AppendRow(table.Row{id, p.Version, len(p.Pages), len(p.DependsOn), len(p.Contains)})
	}
	t.AppendSeparator()
	t.AppendFooter(table.Row{"TOTAL", "", res.Stats.PageCount, "", ""})
	t.Render()
	return nil
}

func runManifestTree(ctx context.Context, c *cli.Command) error {
	url := c.Args().Get(0)
	if url == "" {
		return errkind.New(errkind.Validation, "repo-url argument is required")
	}

	a, err := setupApp(c)
	if err != nil {
		return err
	}
	defer a.close()

	res, err := manifestFor(ctx, a, url, c.String("ref"))
	if err != nil {
		return err
	}

	tree := treeprint.New()
	tree.SetValue(fmt.Sprintf("%s@%s", url, c.String("ref")))
	for _, root := range res.Hierarchy {
		addHierarchyBranch(tree, root)
	}
	fmt.Print(tree.String())
	return nil
}

func addHierarchyBranch(parent treeprint.Tree, node *manifest.HierarchyNode) {
	branch := parent.AddBranch(fmt.Sprintf("%s@%s", node.ID, node.Version))
	for _, page := range node.Pages {
		branch.AddNode(page)
	}
	for _, child := range node.Children {
		addHierarchyBranch(branch, child)
	}
}

func runManifestGraph(ctx context.Context, c *cli.Command) error {
	url := c.Args().Get(0)
	if url == "" {
		return errkind.New(errkind.Validation, "repo-url argument is required")
	}

	a, err := setupApp(c)
	if err != nil {
		return err
	}
	defer a.close()

	res, err := manifestFor(ctx, a, url, c.String("ref"))
	if err != nil {
		return err
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"FROM", "EDGE", "TO"})
	for _, e := range res.Graph.Contains {
		t.AppendRow(table.Row{e.From, "contains", e.To})
	}
	for _, e := range res.Graph.Depends {
		t.AppendRow(table.Row{e.From, "depends_on", e.To})
	}
	t.Render()
	return nil
}

func packCommand() *cli.Command {
	refFlag := &cli.StringFlag{
		Name:  "ref",
		Value: "main",
		Usage: "Ref whose manifest to select packs from.",
	}
	return &cli.Command{
		Name:  "pack",
		Usage: "Select and apply content packs.",
		Commands: []*cli.Command{
			{
				Name:      "status",
				Usage:     "Show the packs of a ref and their installation state.",
				ArgsUsage: "<repo-url>",
				Flags:     []cli.Flag{refFlag},
				Action:    runPackStatus,
			},
			{
				Name:      "plan",
				Usage:     "Preview the pages installing the given packs would touch.",
				ArgsUsage: "<repo-url> <pack>...",
				Flags: []cli.Flag{
					refFlag,
					&cli.StringFlag{
						Name:  "prefix",
						Usage: "Title prefix applied to pages colliding with existing wiki pages.",
					},
				},
				Action: runPackPlan,
			},
			{
				Name:      "install",
				Usage:     "Install a pack and its dependencies.",
				ArgsUsage: "<repo-url> <pack>",
				Flags: []cli.Flag{
					refFlag,
					&cli.StringFlag{
						Name:  "prefix",
						Usage: "Title prefix applied to the pack's pages.",
					},
				},
				Action: runPackInstall,
			},
			{
				Name:      "remove",
				Usage:     "Remove an installed pack and its dependents.",
				ArgsUsage: "<repo-url> <pack>",
				Flags: []cli.Flag{
					refFlag,
					&cli.BoolFlag{
						Name:  "delete-pages",
						Usage: "Also delete the pack's pages from the wiki.",
					},
				},
				Action: runPackRemove,
			},
		},
	}
}

// cliSessions builds a session manager whose applies run inline, so the
// report is available immediately.
func cliSessions(a *app) *session.Manager {
	return session.NewManager(a.store, a.repos, a.refs, a.packs, a.pages, a.wiki,
		&inlineApplier{orch: a.orch}, logger)
}

func runPackStatus(ctx context.Context, c *cli.Command) error {
	url := c.Args().Get(0)
	if url == "" {
		return errkind.New(errkind.Validation, "repo-url argument is required")
	}

	a, err := setupApp(c)
	if err != nil {
		return err
	}
	defer a.close()

	res, err := manifestFor(ctx, a, url, c.String("ref"))
	if err != nil {
		return err
	}

	repo, err := a.repos.GetByURL(ctx, url)
	if err != nil {
		return err
	}
	installed := map[string]*registry.Pack{}
	if repo != nil {
		if refRow, err := a.refs.GetBySourceRef(ctx, repo.ID, c.String("ref")); err == nil && refRow != nil {
			rows, err := a.packs.ListByRef(ctx, refRow.ID)
			if err != nil {
				return err
			}
			for _, row := range rows {
				installed[row.Name] = row
			}
		}
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"PACK", "AVAILABLE", "INSTALLED"})
	for _, id := range res.Manifest.PackIDs() {
		current := "-"
		if row := installed[id]; row != nil {
			current = row.Version
		}
		t.AppendRow(table.Row{id, res.Manifest.Packs[id].Version, current})
	}
	t.Render()
	return nil
}

// runPackPlan expands the selection closure and prints the resolved
// page plan without applying anything.
func runPackPlan(ctx context.Context, c *cli.Command) error {
	args := c.Args().Slice()
	if len(args) < 2 {
		return errkind.New(errkind.Validation, "repo-url and pack arguments are required")
	}
	url, selection := args[0], args[1:]

	a, err := setupApp(c)
	if err != nil {
		return err
	}
	defer a.close()

	res, err := manifestFor(ctx, a, url, c.String("ref"))
	if err != nil {
		return err
	}
	closure, err := resolve.SelectionClosure(res.Manifest, selection)
	if err != nil {
		return err
	}

	installed := map[string]bool{}
	installedTitles := map[string]bool{}
	repo, err := a.repos.GetByURL(ctx, url)
	if err != nil {
		return err
	}
	if repo != nil {
		refRow, err := a.refs.GetBySourceRef(ctx, repo.ID, c.String("ref"))
		if err != nil {
			return err
		}
		if refRow != nil {
			for _, name := range closure.Packs {
				row, err := a.packs.GetByName(ctx, refRow.ID, name)
				if err != nil {
					return err
				}
				if row == nil {
					continue
				}
				rows, err := a.pages.ListByPack(ctx, row.ID)
				if err != nil {
					return err
				}
				for _, pg := range rows {
					installed[pg.Name] = true
					installedTitles[pg.FinalTitle] = true
				}
			}
		}
	}

	existing, err := a.wiki.ExistingTitles(ctx, closure.Pages)
	if err != nil {
		return err
	}
	collisions := map[string]bool{}
	for title, ok := range existing {
		if ok && !installedTitles[title] {
			collisions[title] = true
		}
	}

	plan := resolve.Plan(resolve.PlanInput{
		Closure:      closure,
		GlobalPrefix: c.String("prefix"),
		Collisions:   collisions,
		Installed:    installed,
	})

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"PAGE", "OWNER", "TITLE", "ACTION"})
	for _, e := range plan {
		t.AppendRow(table.Row{e.Page, e.Owner, e.FinalTitle, string(e.Action)})
	}
	t.Render()
	return nil
}

// runSessionPlan drives a one-shot session: init, the given selection
// commands, then apply.
func runSessionPlan(ctx context.Context, a *app, url, ref string, cmds []session.Command, deletePages bool) (*apply.Report, error) {
	sessions := cliSessions(a)

	resp, err := sessions.Handle(ctx, "cli", session.Command{
		Command: session.CmdInit, RepoURL: url, Ref: ref,
	})
	if err != nil {
		return nil, err
	}
	hash := resp.StateHash

	for _, cmd := range cmds {
		cmd.RepoURL, cmd.Ref, cmd.ClientStateHash = url, ref, hash
		resp, err = sessions.Handle(ctx, "cli", cmd)
		if err != nil {
			return nil, err
		}
		hash = resp.StateHash
		for _, w := range resp.Warnings {
			logger.Warn(w)
		}
	}

	applyData, err := json.Marshal(map[string]bool{"delete_pages": deletePages})
	if err != nil {
		return nil, err
	}
	resp, err = sessions.Handle(ctx, "cli", session.Command{
		Command: session.CmdApply, RepoURL: url, Ref: ref,
		Data: applyData, ClientStateHash: hash,
	})
	if err != nil {
		return nil, err
	}
	return resp.Report, nil
}

func renderReport(report *apply.Report) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"RESULT", "PACKS"})
	t.AppendRow(table.Row{"installed", strings.Join(report.Installed, ", ")})
	t.AppendRow(table.Row{"updated", strings.Join(report.Updated, ", ")})
	t.AppendRow(table.Row{"removed", strings.Join(report.Removed, ", ")})
	t.AppendRow(table.Row{"failed", strings.Join(report.Failed, ", ")})
	t.Render()
	for _, e := range report.Errors {
		fmt.Printf("error: pack %s page %s: %s\n", e.Pack, e.Page, e.Message)
	}
	for pack, dependents := range report.Blockers {
		fmt.Printf("blocked: %s is required by %s\n", pack, strings.Join(dependents, ", "))
	}
}

func runPackInstall(ctx context.Context, c *cli.Command) error {
	url, pack := c.Args().Get(0), c.Args().Get(1)
	if url == "" || pack == "" {
		return errkind.New(errkind.Validation, "repo-url and pack arguments are required")
	}

	a, err := setupApp(c)
	if err != nil {
		return err
	}
	defer a.close()

	cmds := []session.Command{{
		Command: session.CmdSetPackAction,
		Data:    mustJSON(map[string]string{"pack_name": pack, "action": string(session.Install)}),
	}}
	if prefix := c.String("prefix"); prefix != "" {
		cmds = append(cmds, session.Command{
			Command: session.CmdSetPackPrefix,
			Data:    mustJSON(map[string]string{"pack_name": pack, "prefix": prefix}),
		})
	}

	report, err := runSessionPlan(ctx, a, url, c.String("ref"), cmds, false)
	if err != nil {
		return err
	}
	renderReport(report)
	if !report.Success {
		return errkind.New(errkind.Internal, "apply failed")
	}
	return nil
}

func runPackRemove(ctx context.Context, c *cli.Command) error {
	url, pack := c.Args().Get(0), c.Args().Get(1)
	if url == "" || pack == "" {
		return errkind.New(errkind.Validation, "repo-url and pack arguments are required")
	}

	a, err := setupApp(c)
	if err != nil {
		return err
	}
	defer a.close()

	cmds := []session.Command{{
		Command: session.CmdSetPackAction,
		Data:    mustJSON(map[string]string{"pack_name": pack, "action": string(session.Remove)}),
	}}

	report, err := runSessionPlan(ctx, a, url, c.String("ref"), cmds, c.Bool("delete-pages"))
	if err != nil {
		return err
	}
	renderReport(report)
	if !report.Success {
		return errkind.New(errkind.Internal, "apply failed")
	}
	return nil
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

func opCommand() *cli.Command {
	return &cli.Command{
		Name:  "op",
		Usage: "Inspect asynchronous operations.",
		Commands: []*cli.Command{
			{
				Name:      "get",
				Usage:     "Show an operation.",
				ArgsUsage: "<operation-id>",
				Action:    runOpGet,
			},
			{
				Name:      "watch",
				Usage:     "Poll an operation until it finishes.",
				ArgsUsage: "<operation-id>",
				Flags: []cli.Flag{
					&cli.DurationFlag{
						Name:  "timeout",
						Value: 10 * time.Minute,
						Usage: "Give up after this long.",
					},
				},
				Action: runOpWatch,
			},
		},
	}
}

func renderOperation(op *registry.Operation) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"ID", "TYPE", "STATUS", "PROGRESS", "MESSAGE"})
	t.AppendRow(table.Row{op.ID, op.Type, op.Status, fmt.Sprintf("%d%%", op.Progress), op.Message})
	t.Render()
	if op.ResultData != "" {
		fmt.Println(op.ResultData)
	}
}

func runOpGet(ctx context.Context, c *cli.Command) error {
	id := c.Args().Get(0)
	if id == "" {
		return errkind.New(errkind.Validation, "operation-id argument is required")
	}

	a, err := setupApp(c)
	if err != nil {
		return err
	}
	defer a.close()

	op, err := a.ops.Get(ctx, id)
	if err != nil {
		return err
	}
	if op == nil {
		return errkind.New(errkind.NotFound, "operation %s does not exist", id)
	}
	renderOperation(op)
	return nil
}

func runOpWatch(ctx context.Context, c *cli.Command) error {
	id := c.Args().Get(0)
	if id == "" {
		return errkind.New(errkind.Validation, "operation-id argument is required")
	}

	a, err := setupApp(c)
	if err != nil {
		return err
	}
	defer a.close()

	lastProgress := -1
	op, err := operation.Poll(ctx, a.ops, id, c.Duration("timeout"), time.Second,
		func(op *registry.Operation) {
			if op.Progress != lastProgress {
				lastProgress = op.Progress
				fmt.Printf("%3d%% %s %s\n", op.Progress, op.Status, op.Message)
			}
		})
	if err != nil {
		return err
	}
	renderOperation(op)
	return nil
}
