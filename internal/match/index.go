package match

import (
	"context"
	"sync"

	"prepline/internal/domain"
)

// Source is the persistence slice the index reads from.
type Source interface {
	ListRawMaterials(ctx context.Context) ([]domain.RawMaterial, error)
	ListAliases(ctx context.Context, rawMaterialID string) ([]domain.MaterialAlias, error)
}

// Index maps normalized scan tokens to material ids. It is owned by
// the call site and rebuilt explicitly when the persistence layer
// signals a change; Resolve never rebuilds behind the caller's back.
type Index struct {
	source Source

	mu     sync.RWMutex
	tokens map[string]string
}

func NewIndex(source Source) *Index {
	return &Index{source: source, tokens: map[string]string{}}
}

// Rebuild reloads all materials and learned aliases.
func (ix *Index) Rebuild(ctx context.Context) error {
	materials, err := ix.source.ListRawMaterials(ctx)
	if err != nil {
		return err
	}
	aliases, err := ix.source.ListAliases(ctx, "")
	if err != nil {
		return err
	}
	byMaterial := map[string][]domain.MaterialAlias{}
	for _, a := range aliases {
		byMaterial[a.RawMaterialID] = append(byMaterial[a.RawMaterialID], a)
	}
	tokens := map[string]string{}
	for _, m := range materials {
		for tok := range BuildAliases(m, byMaterial[m.ID]) {
			tokens[tok] = m.ID
		}
	}
	ix.mu.Lock()
	ix.tokens = tokens
	ix.mu.Unlock()
	return nil
}

// Resolve returns the material id a token identifies, if any.
func (ix *Index) Resolve(raw string) (string, bool) {
	tok := Normalize(raw)
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if id, ok := ix.tokens[tok]; ok {
		return id, true
	}
	if naked := nakedCode(tok); naked != "" && naked != tok {
		if id, ok := ix.tokens[naked]; ok {
			return id, true
		}
	}
	return "", false
}
