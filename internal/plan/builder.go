// Package plan turns a formula's ingredient list plus an
// operator-chosen batch size into concrete weighing steps.
package plan

import (
	"fmt"
	"sort"
	"strings"

	"prepline/internal/domain"
	"prepline/internal/match"
)

// BatchOverride is the operator-supplied batch size and unit.
type BatchOverride struct {
	Size float64 `json:"size"`
	Unit string  `json:"unit" enum:"g,kg,ml,l"`
}

// Defaults are the station-level tolerance fallbacks.
type Defaults struct {
	TolerancePct     float64
	ToleranceMinAbsG float64
}

// UnresolvableLineError names the ingredient whose target mass could
// not be derived. Raised before any session or step is persisted.
type UnresolvableLineError struct {
	Ingredient string
	Reason     string
}

func (e UnresolvableLineError) Error() string {
	return fmt.Sprintf("cannot resolve target mass for ingredient %s: %s", e.Ingredient, e.Reason)
}

// MaterialResolver is the injected raw-material lookup oracle.
type MaterialResolver func(id string) (domain.RawMaterial, bool)

// AliasLister returns learned scan tokens for a material.
type AliasLister func(id string) []domain.MaterialAlias

type Builder struct {
	Materials MaterialResolver
	Aliases   AliasLister
	Defaults  Defaults
}

// Build resolves every formula line into a StepPlanLine or fails fast
// with an UnresolvableLineError. It never silently defaults a target
// to zero or drops a line.
func (b Builder) Build(f domain.Formula, override *BatchOverride) ([]domain.StepPlanLine, error) {
	if len(f.Lines) == 0 {
		return nil, fmt.Errorf("formula %s has no lines", f.ID)
	}
	batchG, batchMl, err := b.resolveBatch(f, override)
	if err != nil {
		return nil, err
	}

	lines := orderLines(f.Lines)
	out := make([]domain.StepPlanLine, 0, len(lines))
	for i, ln := range lines {
		material, haveMaterial := b.lookupMaterial(ln.RawMaterialID)
		target, err := b.resolveTarget(ln, material, haveMaterial, batchG, batchMl)
		if err != nil {
			return nil, err
		}

		tolPct := b.Defaults.TolerancePct
		if ln.TolerancePct != nil {
			tolPct = *ln.TolerancePct
		}
		tolMin := b.Defaults.ToleranceMinAbsG
		if ln.ToleranceMinG != nil {
			tolMin = *ln.ToleranceMinG
		}

		code, parser, symbologies := resolveCode(ln)
		alts := b.resolveAlts(ln, material, haveMaterial, code)

		name := ln.DisplayName
		if name == "" && haveMaterial {
			name = material.Name
		}
		out = append(out, domain.StepPlanLine{
			Sequence:           i + 1,
			IngredientID:       ln.RawMaterialID,
			DisplayName:        name,
			RequiredCode:       code,
			AltCodes:           alts,
			AllowedSymbologies: symbologies,
			Parser:             parser,
			TargetQtyG:         target,
			TolerancePct:       tolPct,
			ToleranceMinAbsG:   tolMin,
		})
	}
	return out, nil
}

// resolveBatch returns the batch total in grams and/or milliliters.
// Volumetric overrides yield no single batch mass; per-line conversion
// happens through density instead.
func (b Builder) resolveBatch(f domain.Formula, override *BatchOverride) (batchG, batchMl float64, err error) {
	if f.BatchSizeG != nil && *f.BatchSizeG > 0 {
		return *f.BatchSizeG, 0, nil
	}
	if override == nil {
		if f.BatchSizeMl != nil && *f.BatchSizeMl > 0 {
			return 0, *f.BatchSizeMl, nil
		}
		return 0, 0, nil
	}
	if override.Size <= 0 {
		return 0, 0, fmt.Errorf("batch size must be > 0")
	}
	switch strings.ToLower(override.Unit) {
	case "g":
		return override.Size, 0, nil
	case "kg":
		return override.Size * 1000, 0, nil
	case "ml":
		return 0, override.Size, nil
	case "l":
		return 0, override.Size * 1000, nil
	default:
		return 0, 0, fmt.Errorf("unknown batch unit %q", override.Unit)
	}
}

func (b Builder) lookupMaterial(id string) (domain.RawMaterial, bool) {
	if b.Materials == nil {
		return domain.RawMaterial{}, false
	}
	return b.Materials(id)
}

func (b Builder) resolveTarget(ln domain.FormulaLine, material domain.RawMaterial, haveMaterial bool, batchG, batchMl float64) (float64, error) {
	name := ln.DisplayName
	if name == "" {
		name = ln.RawMaterialID
	}
	density := func() (float64, bool) {
		if ln.DensityGPerMl != nil && *ln.DensityGPerMl > 0 {
			return *ln.DensityGPerMl, true
		}
		if haveMaterial && material.DensityGPerMl != nil && *material.DensityGPerMl > 0 {
			return *material.DensityGPerMl, true
		}
		return 0, false
	}

	switch {
	case ln.QtyG != nil:
		if *ln.QtyG <= 0 {
			return 0, UnresolvableLineError{Ingredient: name, Reason: "explicit grams value is not positive"}
		}
		return *ln.QtyG, nil
	case ln.PercentOfBatch != nil && batchG > 0:
		return *ln.PercentOfBatch * batchG / 100, nil
	case ln.VolumeMl != nil:
		d, ok := density()
		if !ok {
			return 0, UnresolvableLineError{Ingredient: name, Reason: "volume given but no density available"}
		}
		return *ln.VolumeMl * d, nil
	case ln.PercentOfBatch != nil && batchMl > 0:
		d, ok := density()
		if !ok {
			return 0, UnresolvableLineError{Ingredient: name, Reason: "percent of a volumetric batch needs a density"}
		}
		return *ln.PercentOfBatch / 100 * batchMl * d, nil
	default:
		return 0, UnresolvableLineError{Ingredient: name, Reason: "no combination of grams, percent, or volume resolves a mass"}
	}
}

func resolveCode(ln domain.FormulaLine) (code, parser string, symbologies []string) {
	switch {
	case ln.GTIN != "":
		return ln.GTIN, match.ParserGS1, []string{"GS1-128", "GS1-DATAMATRIX"}
	case ln.CodeValue != "":
		parser = match.ParserPlain
		if strings.ContainsAny(ln.CodeValue, ":=") {
			parser = match.ParserKV
		}
		return ln.CodeValue, parser, []string{"CODE128", "QR"}
	default:
		return "RM:" + ln.RawMaterialID, match.ParserPlain, []string{"CODE128", "QR"}
	}
}

// resolveAlts merges every alias BuildAliases produces for the
// material with the line-authored aliases, de-duplicated and with the
// required code itself excluded.
func (b Builder) resolveAlts(ln domain.FormulaLine, material domain.RawMaterial, haveMaterial bool, requiredCode string) []string {
	set := map[string]struct{}{}
	if haveMaterial {
		var learned []domain.MaterialAlias
		if b.Aliases != nil {
			learned = b.Aliases(material.ID)
		}
		for tok := range match.BuildAliases(material, learned) {
			set[tok] = struct{}{}
		}
	}
	for _, a := range ln.Aliases {
		if tok := match.Normalize(a); tok != "" {
			set[tok] = struct{}{}
		}
	}
	delete(set, match.Normalize(requiredCode))
	if len(set) == 0 {
		return nil
	}
	alts := make([]string, 0, len(set))
	for tok := range set {
		alts = append(alts, tok)
	}
	sort.Strings(alts)
	return alts
}

// orderLines sorts by explicit sequence only when every line declares
// one; a missing sequence on some lines must not re-sort the rest.
func orderLines(lines []domain.FormulaLine) []domain.FormulaLine {
	complete := true
	for _, ln := range lines {
		if ln.Sequence == nil {
			complete = false
			break
		}
	}
	out := make([]domain.FormulaLine, len(lines))
	copy(out, lines)
	if complete {
		sort.SliceStable(out, func(i, j int) bool { return *out[i].Sequence < *out[j].Sequence })
	}
	return out
}
