package gitops

import (
	"context"
	"fmt"
	"strings"
)

// PRMetadata describes the pull request a completed run is ready to open.
// The engine never talks to a forge API; it pushes the branch when a remote
// exists and hands the user a compare URL.
type PRMetadata struct {
	Title      string
	Body       string
	Head       string
	Base       string
	CompareURL string
	Pushed     bool
}

// PreparePR pushes the work branch to origin when a remote is configured and
// builds the compare URL for it. Without a remote the metadata still comes
// back so the summary can show the local branches.
func (g *Git) PreparePR(ctx context.Context, title, body, base, head string) (*PRMetadata, error) {
	pr := &PRMetadata{Title: title, Body: body, Head: head, Base: base}

	remote, err := g.RemoteURL(ctx, "origin")
	if err != nil || remote == "" {
		return pr, nil
	}

	if err := g.Push(ctx, "origin", head); err != nil {
		return pr, fmt.Errorf("pushing %s: %w", head, err)
	}
	pr.Pushed = true
	pr.CompareURL = CompareURL(remote, base, head)
	return pr, nil
}

// CompareURL turns a remote URL into a web compare link for base...head.
// SSH-form remotes are normalized to https; unknown forms yield "".
func CompareURL(remote, base, head string) string {
	web := normalizeRemote(remote)
	if web == "" {
		return ""
	}
	return fmt.Sprintf("%s/compare/%s...%s", web, base, head)
}

func normalizeRemote(remote string) string {
	remote = strings.TrimSuffix(strings.TrimSpace(remote), ".git")

	if strings.HasPrefix(remote, "git@") {
		// git@host:owner/repo -> https://host/owner/repo
		rest := strings.TrimPrefix(remote, "git@")
		host, path, ok := strings.Cut(rest, ":")
		if !ok {
			return ""
		}
		return "https://" + host + "/" + path
	}
	if strings.HasPrefix(remote, "ssh://git@") {
		rest := strings.TrimPrefix(remote, "ssh://git@")
		return "https://" + rest
	}
	if strings.HasPrefix(remote, "https://") || strings.HasPrefix(remote, "http://") {
		return remote
	}
	return ""
}
