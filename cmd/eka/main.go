// Command eka is the minimal entry point over the eka libraries. Argument
// parsing itself is out of scope (SPEC_FULL.md §A "Configuration"); this
// binary only dispatches os.Args straight into the packages that do the
// real work, in the same direct, no-framework style the teacher's own CLI
// used before the bonzai/cmdbox tree was dropped (see DESIGN.md).
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/go-git/go-git/v5"

	"github.com/ekala-project/eka/fetchcache"
	"github.com/ekala-project/eka/identity"
	"github.com/ekala-project/eka/internal/atomicfile"
	"github.com/ekala-project/eka/internal/header"
	"github.com/ekala-project/eka/internal/logging"
	"github.com/ekala-project/eka/lockfile"
	"github.com/ekala-project/eka/manifest"
	"github.com/ekala-project/eka/publish"
	"github.com/ekala-project/eka/remote"
	"github.com/ekala-project/eka/resolve"
)

func main() {
	log.SetFlags(log.Flags() | log.Lshortfile)
	if err := run(os.Args[1:]); err != nil {
		log.Fatalln(err)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		printHelp()
		return nil
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	identity.SetLogger(logger)

	ctx := context.Background()
	switch args[0] {
	case "init":
		return runInit(ctx, args[1:], logger)
	case "new":
		return runNew(args[1:])
	case "sync":
		return runSync(ctx, args[1:], logger)
	case "publish":
		return runPublish(ctx, args[1:], logger)
	default:
		printHelp()
		return nil
	}
}

func printHelp() {
	fmt.Println(`eka - decentralized, git-native source package manager

USAGE
    eka init <remote-url>          derive this repository's origin and record it
    eka new <label> <version>      scaffold a new atom.toml in the current directory
    eka sync                       resolve atom.toml's dependencies into atom.lock
    eka publish <remote-url> [atom-path...]   publish discovered atoms to a remote`)
}

// runInit derives the calling repository's Origin from its root commit and
// records it on the remote as refs/ekala/init (spec §4.1, §4.5).
func runInit(ctx context.Context, args []string, logger logging.Logger) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: eka init <remote-url>")
	}
	url := args[0]

	repo, err := git.PlainOpen(".")
	if err != nil {
		return err
	}
	head, err := repo.Head()
	if err != nil {
		return err
	}
	commit, err := repo.CommitObject(head.Hash())
	if err != nil {
		return err
	}
	origin, err := identity.DeriveOrigin(commit)
	if err != nil {
		return err
	}

	h := header.Init{OriginMode: "root", Origin: origin.String()}
	store := remote.Open(url, nil, logger)
	if _, err := store.InitRemote(ctx, h); err != nil {
		return err
	}
	fmt.Println(origin.String())
	return nil
}

// runNew scaffolds a fresh atom.toml (spec §4.3).
func runNew(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: eka new <label> <version>")
	}
	m, err := manifest.New(args[0], args[1])
	if err != nil {
		return err
	}
	return atomicfile.Write("atom.toml", m.Bytes(), 0o644)
}

const (
	manifestPath = "atom.toml"
	lockPath     = "atom.lock"
	cacheDirName = ".eka/cache"
)

// runSync implements spec §4.6's reconciliation loop against the manifest
// and lockfile in the current directory.
func runSync(ctx context.Context, _ []string, logger logging.Logger) error {
	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		return err
	}
	m, err := manifest.Parse(raw)
	if err != nil {
		return err
	}

	lock := lockfile.New()
	if lockRaw, err := os.ReadFile(lockPath); err == nil {
		lock, err = lockfile.Parse(lockRaw)
		if err != nil {
			return err
		}
	} else if !os.IsNotExist(err) {
		return err
	}

	repo, err := git.PlainOpen(".")
	if err != nil {
		return err
	}
	localSource := resolve.NewLocalSource(repo)

	backend, err := fetchcache.NewFileBackend(cacheDirName)
	if err != nil {
		return err
	}

	r := &resolve.Resolver{
		Open:  func(url string) resolve.RefSource { return remote.Open(url, nil, logger) },
		Cache: fetchcache.New(backend, 0, nil, logger),
		Log:   logger,
	}

	next, err := r.Synchronize(ctx, m, localSource, lock)
	if err != nil {
		return err
	}

	out, err := next.Marshal()
	if err != nil {
		return err
	}
	return atomicfile.Write(lockPath, out, 0o644)
}

// runPublish discovers and publishes every declared atom in the current
// repository's working tree (spec §4.8).
func runPublish(ctx context.Context, args []string, logger logging.Logger) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: eka publish <remote-url> [atom-path...]")
	}
	url := args[0]
	atomPaths := args[1:]
	if len(atomPaths) == 0 {
		atomPaths = []string{"."}
	}

	repo, err := git.PlainOpen(".")
	if err != nil {
		return err
	}
	head, err := repo.Head()
	if err != nil {
		return err
	}

	candidates, err := publish.Discover(".", atomPaths)
	if err != nil {
		return err
	}

	p := &publish.Publisher{Repo: repo, URL: url, Log: logger}
	results, err := p.Publish(ctx, head.Hash(), candidates)
	if err != nil {
		for _, r := range results {
			if r.Outcome == publish.Conflict {
				fmt.Printf("conflict: %s@%s: %v\n", r.Label, r.Version, r.Err)
			}
		}
		return err
	}
	for _, r := range results {
		fmt.Printf("%s@%s: %s\n", r.Label, r.Version, r.Outcome)
	}
	return nil
}
