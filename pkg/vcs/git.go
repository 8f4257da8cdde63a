package vcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	gitssh "github.com/go-git/go-git/v5/plumbing/transport/ssh"

	botdeploy "github.com/dogeorg/botdeploy/pkg"
)

const DefaultRemote = "origin"

// Options controls how a repository talks to its remote.
type Options struct {
	Remote     string
	Branch     string
	DeployKey  string
	KnownHosts string
}

func OptionsFromConfig(cfg botdeploy.Config) Options {
	return Options{
		Remote:     DefaultRemote,
		Branch:     cfg.Branch,
		DeployKey:  cfg.DeployKey,
		KnownHosts: cfg.KnownHosts,
	}
}

// Git implements botdeploy.VCS on a go-git working copy.
type Git struct {
	dir  string
	opts Options
	repo *git.Repository
}

// Opener returns a botdeploy.VCSOpener bound to opts.
func Opener(opts Options) botdeploy.VCSOpener {
	return func(codeDir string) (botdeploy.VCS, error) {
		return Open(codeDir, opts)
	}
}

func Open(dir string, opts Options) (*Git, error) {
	if opts.Remote == "" {
		opts.Remote = DefaultRemote
	}
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open repository at %s: %w", dir, err)
	}
	return &Git{dir: dir, opts: opts, repo: repo}, nil
}

func (t *Git) remoteRef() plumbing.ReferenceName {
	return plumbing.NewRemoteReferenceName(t.opts.Remote, t.opts.Branch)
}

func (t *Git) auth() (transport.AuthMethod, error) {
	remote, err := t.repo.Remote(t.opts.Remote)
	if err != nil {
		return nil, fmt.Errorf("remote %s: %w", t.opts.Remote, err)
	}
	urls := remote.Config().URLs
	if len(urls) == 0 {
		return nil, fmt.Errorf("remote %s has no URL", t.opts.Remote)
	}
	return Auth(urls[0], t.opts.DeployKey, t.opts.KnownHosts)
}

// Auth builds ssh public-key auth for ssh remotes. Other transports need
// none.
func Auth(url string, deployKey string, knownHosts string) (transport.AuthMethod, error) {
	ep, err := transport.NewEndpoint(url)
	if err != nil {
		return nil, fmt.Errorf("invalid remote url %q: %w", url, err)
	}
	if ep.Protocol != "ssh" || deployKey == "" {
		return nil, nil
	}

	user := ep.User
	if user == "" {
		user = "git"
	}
	keys, err := gitssh.NewPublicKeysFromFile(user, deployKey, "")
	if err != nil {
		return nil, fmt.Errorf("failed to load deploy key %s: %w", deployKey, err)
	}
	if knownHosts != "" {
		cb, err := gitssh.NewKnownHostsCallback(knownHosts)
		if err != nil {
			return nil, fmt.Errorf("failed to load known hosts %s: %w", knownHosts, err)
		}
		keys.HostKeyCallback = cb
	}
	return keys, nil
}

// Fetch updates the remote-tracking branch only. The working tree is not
// touched.
func (t *Git) Fetch(ctx context.Context) error {
	auth, err := t.auth()
	if err != nil {
		return err
	}
	spec := config.RefSpec(fmt.Sprintf("+refs/heads/%s:%s", t.opts.Branch, t.remoteRef()))
	err = t.repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: t.opts.Remote,
		RefSpecs:   []config.RefSpec{spec},
		Auth:       auth,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("fetch %s/%s: %w", t.opts.Remote, t.opts.Branch, err)
	}
	return nil
}

func (t *Git) headCommit() (*object.Commit, error) {
	head, err := t.repo.Head()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	return t.repo.CommitObject(head.Hash())
}

func (t *Git) remoteCommit() (*object.Commit, error) {
	ref, err := t.repo.Reference(t.remoteRef(), true)
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return nil, botdeploy.ErrNoRemoteTarget
		}
		return nil, err
	}
	return t.repo.CommitObject(ref.Hash())
}

// UpToDate compares trees rather than commit ids, so a remote that only
// rewrote history without changing content is still a no-op.
func (t *Git) UpToDate(ctx context.Context) (bool, error) {
	local, err := t.headCommit()
	if err != nil {
		return false, err
	}
	remote, err := t.remoteCommit()
	if err != nil {
		return false, err
	}
	return local.TreeHash == remote.TreeHash, nil
}

// Apply fast-forwards the checked out branch to the fetched remote target.
// Only the paths the update changes are written, so untracked and ignored
// files and unrelated local edits stay as they are. It refuses non
// fast-forward moves, local edits to files the update would change and
// untracked files sitting where the update adds one.
func (t *Git) Apply(ctx context.Context) error {
	local, err := t.headCommit()
	if err != nil {
		return err
	}
	remote, err := t.remoteCommit()
	if err != nil {
		return err
	}
	if local.Hash == remote.Hash {
		return nil
	}

	ok, err := local.IsAncestor(remote)
	if err != nil {
		return fmt.Errorf("failed to check ancestry: %w", err)
	}
	if !ok {
		return botdeploy.ErrNotFastForward
	}

	fromTree, err := local.Tree()
	if err != nil {
		return err
	}
	toTree, err := remote.Tree()
	if err != nil {
		return err
	}
	changes, err := object.DiffTree(fromTree, toTree)
	if err != nil {
		return fmt.Errorf("failed to diff trees: %w", err)
	}

	wt, err := t.repo.Worktree()
	if err != nil {
		return err
	}
	conflicts, err := conflictingChanges(wt, changes)
	if err != nil {
		return err
	}
	if len(conflicts) > 0 {
		return fmt.Errorf("%w: %s", botdeploy.ErrLocalChanges, strings.Join(conflicts, ", "))
	}

	if err := writeChanges(wt.Filesystem, changes); err != nil {
		return fmt.Errorf("failed to check out %s: %w", remote.Hash, err)
	}
	// the worktree already matches remote; only the branch and index move
	if err := wt.Reset(&git.ResetOptions{Commit: remote.Hash, Mode: git.MixedReset}); err != nil {
		return fmt.Errorf("failed to move to %s: %w", remote.Hash, err)
	}
	return nil
}

// dirtyPaths lists tracked files with staged or unstaged modifications.
func dirtyPaths(wt *git.Worktree) ([]string, error) {
	status, err := wt.Status()
	if err != nil {
		return nil, fmt.Errorf("failed to read worktree status: %w", err)
	}

	paths := []string{}
	for path, st := range status {
		if st.Worktree == git.Untracked && st.Staging == git.Untracked {
			continue
		}
		if st.Worktree != git.Unmodified || st.Staging != git.Unmodified {
			paths = append(paths, path)
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// conflictingChanges returns the paths the update would clobber: dirty
// tracked files it changes, and anything on disk where it adds a file.
func conflictingChanges(wt *git.Worktree, changes object.Changes) ([]string, error) {
	dirty, err := dirtyPaths(wt)
	if err != nil {
		return nil, err
	}
	pending := map[string]bool{}
	for _, p := range dirty {
		pending[p] = true
	}
	deleted := map[string]bool{}
	for _, c := range changes {
		if c.To.Name == "" {
			deleted[c.From.Name] = true
		}
	}

	conflicts := []string{}
	seen := map[string]bool{}
	add := func(name string) {
		if !seen[name] {
			seen[name] = true
			conflicts = append(conflicts, name)
		}
	}
	for _, c := range changes {
		for _, name := range []string{c.From.Name, c.To.Name} {
			if name != "" && pending[name] {
				add(name)
			}
		}
		if c.From.Name == "" && occupied(wt.Filesystem, c.To.Name, deleted) {
			add(c.To.Name)
		}
	}
	sort.Strings(conflicts)
	return conflicts, nil
}

// occupied reports whether writing name would replace something git does
// not track: a file at name itself, or a file where one of its parent
// directories has to go. Tracked files the update deletes do not count.
func occupied(fs billy.Filesystem, name string, deleted map[string]bool) bool {
	info, err := fs.Lstat(name)
	if err == nil {
		return !info.IsDir() || !emptiedBy(fs, name, deleted)
	}
	for dir := path.Dir(name); dir != "."; dir = path.Dir(dir) {
		info, err := fs.Lstat(dir)
		if err != nil {
			continue
		}
		if !info.IsDir() {
			return !deleted[dir]
		}
		break
	}
	return false
}

// emptiedBy reports whether every file under dir is one the update deletes.
func emptiedBy(fs billy.Filesystem, dir string, deleted map[string]bool) bool {
	empty := true
	_ = util.Walk(fs, dir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			empty = false
			return filepath.SkipDir
		}
		if !info.IsDir() && !deleted[filepath.ToSlash(p)] {
			empty = false
			return filepath.SkipDir
		}
		return nil
	})
	return empty
}

// writeChanges makes the worktree match the target side of changes: deleted
// files go first, then added and modified files are written out.
func writeChanges(fs billy.Filesystem, changes object.Changes) error {
	for _, c := range changes {
		if c.To.Name != "" {
			continue
		}
		if err := fs.Remove(c.From.Name); err != nil && !os.IsNotExist(err) {
			return err
		}
		pruneEmptyDirs(fs, path.Dir(c.From.Name))
	}

	for _, c := range changes {
		if c.To.Name == "" {
			continue
		}
		if err := writeEntry(fs, c.To.Tree, &c.To.TreeEntry, c.To.Name); err != nil {
			return fmt.Errorf("%s: %w", c.To.Name, err)
		}
	}
	return nil
}

func writeEntry(fs billy.Filesystem, tree *object.Tree, entry *object.TreeEntry, name string) error {
	if entry.Mode == filemode.Submodule {
		return nil
	}
	file, err := tree.TreeEntryFile(entry)
	if err != nil {
		return err
	}
	contents, err := file.Contents()
	if err != nil {
		return err
	}

	// a symlink left in place would be written through
	if err := fs.Remove(name); err != nil && !os.IsNotExist(err) {
		return err
	}
	if entry.Mode == filemode.Symlink {
		if err := fs.MkdirAll(path.Dir(name), 0755); err != nil {
			return err
		}
		return fs.Symlink(contents, name)
	}

	mode, err := entry.Mode.ToOSFileMode()
	if err != nil {
		mode = 0644
	}
	return util.WriteFile(fs, name, []byte(contents), mode.Perm())
}

func pruneEmptyDirs(fs billy.Filesystem, dir string) {
	for ; dir != "." && dir != "/"; dir = path.Dir(dir) {
		entries, err := fs.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			return
		}
		if err := fs.Remove(dir); err != nil {
			return
		}
	}
}

func (t *Git) Head(ctx context.Context) (string, error) {
	head, err := t.repo.Head()
	if err != nil {
		return "", err
	}
	return head.Hash().String(), nil
}

func (t *Git) RemoteHead(ctx context.Context) (string, error) {
	ref, err := t.repo.Reference(t.remoteRef(), true)
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return "", botdeploy.ErrNoRemoteTarget
		}
		return "", err
	}
	return ref.Hash().String(), nil
}

// Status renders a short, porcelain-like status with a branch header.
func (t *Git) Status(ctx context.Context) (string, error) {
	var b strings.Builder

	head, err := t.repo.Head()
	if err != nil {
		return "", err
	}
	fmt.Fprintf(&b, "## %s @ %s\n", head.Name().Short(), head.Hash())

	wt, err := t.repo.Worktree()
	if err != nil {
		return "", err
	}
	status, err := wt.Status()
	if err != nil {
		return "", err
	}
	b.WriteString(status.String())
	return b.String(), nil
}

// Diff renders the local modifications of tracked files against HEAD.
func (t *Git) Diff(ctx context.Context) (string, error) {
	commit, err := t.headCommit()
	if err != nil {
		return "", err
	}
	wt, err := t.repo.Worktree()
	if err != nil {
		return "", err
	}
	status, err := wt.Status()
	if err != nil {
		return "", err
	}
	return renderDiff(commit, wt, status)
}

// Clone checks out branch of url into dir.
func Clone(ctx context.Context, url string, dir string, opts Options, progress io.Writer) (*Git, error) {
	if opts.Remote == "" {
		opts.Remote = DefaultRemote
	}
	auth, err := Auth(url, opts.DeployKey, opts.KnownHosts)
	if err != nil {
		return nil, err
	}
	repo, err := git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{
		URL:           url,
		Auth:          auth,
		RemoteName:    opts.Remote,
		ReferenceName: plumbing.NewBranchReferenceName(opts.Branch),
		SingleBranch:  true,
		Progress:      progress,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to clone %s: %w", url, err)
	}
	return &Git{dir: dir, opts: opts, repo: repo}, nil
}
