package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/google/go-github/v66/github"

	"github.com/00sapo/better-morning/internal/config"
)

// GitHub rejects release bodies above this many characters.
const maxReleaseBody = 125_000

var _ Deliverer = (*GitHubRelease)(nil)

// GitHubRelease publishes the digest as a tagged release with the markdown file attached.
type GitHubRelease struct {
	cfg   config.GitHubSettings
	local *Local
	log   *slog.Logger
	// newClient is replaced in tests to point at a fake API.
	newClient func(token string) *github.Client
}

// NewGitHubRelease creates a GitHubRelease deliverer. local stages the attached file.
func NewGitHubRelease(cfg config.GitHubSettings, local *Local, log *slog.Logger) *GitHubRelease {
	return &GitHubRelease{
		cfg:   cfg,
		local: local,
		log:   log,
		newClient: func(token string) *github.Client {
			return github.NewClient(nil).WithAuthToken(token)
		},
	}
}

// Deliver creates release digest-YYYY-MM-DD in the configured repository.
func (g *GitHubRelease) Deliver(ctx context.Context, doc Document) (string, error) {
	creds, err := requireEnv(g.cfg.TokenEnv, g.cfg.RepositoryEnv)
	if err != nil {
		return "", err
	}
	token, repository := creds[0], creds[1]

	owner, repo, ok := strings.Cut(repository, "/")
	if !ok || owner == "" || repo == "" {
		return "", fmt.Errorf("invalid repository %q, want owner/name", repository)
	}

	body := doc.Markdown
	if len(body) > maxReleaseBody {
		body = body[:maxReleaseBody]
	}
	tag := strings.TrimSuffix(doc.FileName(), ".md")

	client := g.newClient(token)
	release, _, err := client.Repositories.CreateRelease(ctx, owner, repo, &github.RepositoryRelease{
		TagName: github.String(tag),
		Name:    github.String(doc.Title),
		Body:    github.String(body),
	})
	if err != nil {
		return "", fmt.Errorf("create release: %w", err)
	}

	if err := g.attach(ctx, client, owner, repo, release.GetID(), doc); err != nil {
		g.log.Warn("release created without attachment", "tag", tag, "error", err)
	}

	g.log.Info("digest published", "repository", repository, "tag", tag)
	return release.GetHTMLURL(), nil
}

func (g *GitHubRelease) attach(ctx context.Context, client *github.Client, owner, repo string, id int64, doc Document) error {
	path, err := g.local.Deliver(ctx, doc)
	if err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open digest: %w", err)
	}
	defer func() { _ = f.Close() }()

	_, _, err = client.Repositories.UploadReleaseAsset(ctx, owner, repo, id, &github.UploadOptions{Name: doc.FileName()}, f)
	if err != nil {
		return fmt.Errorf("upload asset: %w", err)
	}
	return nil
}
