package render

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"pawline/internal/domain"
)

// FileRenderer writes finalized agreements as markdown documents under a
// workspace directory and returns the path relative to the workspace.
type FileRenderer struct {
	Dir string
}

func (r FileRenderer) Render(ctx context.Context, a domain.Agreement) (string, error) {
	if r.Dir == "" {
		return "", fmt.Errorf("render: no documents directory configured")
	}
	if err := os.MkdirAll(r.Dir, 0o755); err != nil {
		return "", fmt.Errorf("render: %w", err)
	}
	name := fmt.Sprintf("agreement-%s.md", a.ID)
	path := filepath.Join(r.Dir, name)

	var b strings.Builder
	fmt.Fprintf(&b, "# Adoption Agreement %s\n\n", a.ID)
	fmt.Fprintf(&b, "- Listing: %s\n", a.ListingID)
	fmt.Fprintf(&b, "- Owner: %s\n", a.OwnerID)
	fmt.Fprintf(&b, "- Adopter: %s\n", a.AdopterID)
	if a.FinalizedAt != nil {
		fmt.Fprintf(&b, "- Finalized: %s\n", *a.FinalizedAt)
	}
	b.WriteString("\n## Terms\n\n")
	b.WriteString(a.Terms)
	b.WriteString("\n\n## Signatures\n\n")
	writeSignature(&b, "Owner", a.OwnerSignature)
	writeSignature(&b, "Adopter", a.AdopterSignature)

	// Write then rename so readers never observe a half-written document.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0o644); err != nil {
		return "", fmt.Errorf("render: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("render: %w", err)
	}
	return name, nil
}

func writeSignature(b *strings.Builder, role string, sig *domain.SignatureRecord) {
	if sig == nil {
		fmt.Fprintf(b, "- %s: (unsigned)\n", role)
		return
	}
	fmt.Fprintf(b, "- %s: %s at %s\n", role, sig.SignerID, sig.SignedAt)
}
