package plan_test

import (
	"errors"
	"math"
	"testing"

	"prepline/internal/domain"
	"prepline/internal/match"
	"prepline/internal/plan"
)

func fp(v float64) *float64 { return &v }
func ip(v int) *int         { return &v }

func testDefaults() plan.Defaults {
	return plan.Defaults{TolerancePct: 0.5, ToleranceMinAbsG: 0.010}
}

func materials(ms ...domain.RawMaterial) plan.MaterialResolver {
	byID := map[string]domain.RawMaterial{}
	for _, m := range ms {
		byID[m.ID] = m
	}
	return func(id string) (domain.RawMaterial, bool) {
		m, ok := byID[id]
		return m, ok
	}
}

func approx(t *testing.T, got, want float64) {
	t.Helper()
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestBuildPercentAgainstDeclaredBatch(t *testing.T) {
	f := domain.Formula{
		ID:         "whey-mix",
		BatchSizeG: fp(2000),
		Lines: []domain.FormulaLine{
			{RawMaterialID: "whey", PercentOfBatch: fp(80)},
			{RawMaterialID: "cocoa", PercentOfBatch: fp(20)},
		},
	}
	b := plan.Builder{Defaults: testDefaults()}
	lines, err := b.Build(f, nil)
	if err != nil {
		t.Fatal(err)
	}
	approx(t, lines[0].TargetQtyG, 1600)
	approx(t, lines[1].TargetQtyG, 400)
}

func TestBuildOverrideScalesPercentLines(t *testing.T) {
	f := domain.Formula{
		ID:    "whey-mix",
		Lines: []domain.FormulaLine{{RawMaterialID: "whey", PercentOfBatch: fp(50)}},
	}
	b := plan.Builder{Defaults: testDefaults()}
	lines, err := b.Build(f, &plan.BatchOverride{Size: 3, Unit: "kg"})
	if err != nil {
		t.Fatal(err)
	}
	approx(t, lines[0].TargetQtyG, 1500)
}

func TestBuildExplicitGramsWinOverPercent(t *testing.T) {
	f := domain.Formula{
		ID:         "f1",
		BatchSizeG: fp(1000),
		Lines:      []domain.FormulaLine{{RawMaterialID: "salt", QtyG: fp(12.5), PercentOfBatch: fp(99)}},
	}
	b := plan.Builder{Defaults: testDefaults()}
	lines, err := b.Build(f, nil)
	if err != nil {
		t.Fatal(err)
	}
	approx(t, lines[0].TargetQtyG, 12.5)
}

func TestBuildVolumetricLineUsesDensity(t *testing.T) {
	f := domain.Formula{
		ID: "syrup",
		Lines: []domain.FormulaLine{
			{RawMaterialID: "glycerin", VolumeMl: fp(100), DensityGPerMl: fp(1.26)},
			{RawMaterialID: "water", VolumeMl: fp(200)},
		},
	}
	b := plan.Builder{
		Materials: materials(domain.RawMaterial{ID: "water", Name: "Water", DensityGPerMl: fp(1.0)}),
		Defaults:  testDefaults(),
	}
	lines, err := b.Build(f, nil)
	if err != nil {
		t.Fatal(err)
	}
	approx(t, lines[0].TargetQtyG, 126) // line density wins
	approx(t, lines[1].TargetQtyG, 200) // material density fallback
}

func TestBuildVolumetricBatchPercentNeedsDensity(t *testing.T) {
	f := domain.Formula{
		ID:    "tonic",
		Lines: []domain.FormulaLine{{RawMaterialID: "extract", DisplayName: "Herb Extract", PercentOfBatch: fp(10)}},
	}
	b := plan.Builder{Defaults: testDefaults()}
	_, err := b.Build(f, &plan.BatchOverride{Size: 1, Unit: "l"})
	var ule plan.UnresolvableLineError
	if !errors.As(err, &ule) {
		t.Fatalf("expected UnresolvableLineError, got %v", err)
	}
	if ule.Ingredient != "Herb Extract" {
		t.Fatalf("error names %q, want display name", ule.Ingredient)
	}
}

func TestBuildVolumetricBatchPercentWithDensity(t *testing.T) {
	f := domain.Formula{
		ID:    "tonic",
		Lines: []domain.FormulaLine{{RawMaterialID: "extract", PercentOfBatch: fp(10), DensityGPerMl: fp(1.1)}},
	}
	b := plan.Builder{Defaults: testDefaults()}
	lines, err := b.Build(f, &plan.BatchOverride{Size: 1, Unit: "l"})
	if err != nil {
		t.Fatal(err)
	}
	approx(t, lines[0].TargetQtyG, 110)
}

func TestBuildToleranceFallbacks(t *testing.T) {
	f := domain.Formula{
		ID:         "f1",
		BatchSizeG: fp(100),
		Lines: []domain.FormulaLine{
			{RawMaterialID: "a", QtyG: fp(50)},
			{RawMaterialID: "b", QtyG: fp(50), TolerancePct: fp(1.0), ToleranceMinG: fp(0.5)},
		},
	}
	b := plan.Builder{Defaults: testDefaults()}
	lines, err := b.Build(f, nil)
	if err != nil {
		t.Fatal(err)
	}
	approx(t, lines[0].TolerancePct, 0.5)
	approx(t, lines[0].ToleranceMinAbsG, 0.010)
	approx(t, lines[0].EffectiveToleranceG(), 0.25)
	approx(t, lines[1].EffectiveToleranceG(), 0.5)
}

func TestBuildCodeResolution(t *testing.T) {
	f := domain.Formula{
		ID: "f1",
		Lines: []domain.FormulaLine{
			{RawMaterialID: "a", QtyG: fp(1), GTIN: "06291041500217"},
			{RawMaterialID: "b", QtyG: fp(1), CodeValue: "RM:=b-ext"},
			{RawMaterialID: "c", QtyG: fp(1), CodeValue: "C-100"},
			{RawMaterialID: "d", QtyG: fp(1)},
		},
	}
	b := plan.Builder{Defaults: testDefaults()}
	lines, err := b.Build(f, nil)
	if err != nil {
		t.Fatal(err)
	}
	if lines[0].Parser != match.ParserGS1 || lines[0].RequiredCode != "06291041500217" {
		t.Fatalf("gtin line: %+v", lines[0])
	}
	if lines[1].Parser != match.ParserKV {
		t.Fatalf("kv line parser = %s", lines[1].Parser)
	}
	if lines[2].Parser != match.ParserPlain {
		t.Fatalf("plain line parser = %s", lines[2].Parser)
	}
	if lines[3].RequiredCode != "RM:d" {
		t.Fatalf("synthesized code = %s, want RM:d", lines[3].RequiredCode)
	}
}

func TestBuildAltCodesExcludeRequired(t *testing.T) {
	f := domain.Formula{
		ID: "f1",
		Lines: []domain.FormulaLine{{
			RawMaterialID: "ca",
			QtyG:          fp(1),
			CodeValue:     "CA-100",
			Aliases:       []string{"calcium lot a", "ca-100"},
		}},
	}
	b := plan.Builder{
		Materials: materials(domain.RawMaterial{ID: "ca", Name: "Calcium", Barcodes: []string{"4001234500017"}}),
		Defaults:  testDefaults(),
	}
	lines, err := b.Build(f, nil)
	if err != nil {
		t.Fatal(err)
	}
	for _, alt := range lines[0].AltCodes {
		if alt == "CA-100" {
			t.Fatal("required code must not appear among alternates")
		}
	}
	found := map[string]bool{}
	for _, alt := range lines[0].AltCodes {
		found[alt] = true
	}
	if !found["CALCIUM LOT A"] || !found["4001234500017"] {
		t.Fatalf("alternates missing expected tokens: %v", lines[0].AltCodes)
	}
}

func TestBuildOrdersBySequenceOnlyWhenComplete(t *testing.T) {
	ordered := domain.Formula{
		ID:         "f1",
		BatchSizeG: fp(100),
		Lines: []domain.FormulaLine{
			{RawMaterialID: "b", QtyG: fp(1), Sequence: ip(2)},
			{RawMaterialID: "a", QtyG: fp(1), Sequence: ip(1)},
		},
	}
	b := plan.Builder{Defaults: testDefaults()}
	lines, err := b.Build(ordered, nil)
	if err != nil {
		t.Fatal(err)
	}
	if lines[0].IngredientID != "a" || lines[1].IngredientID != "b" {
		t.Fatalf("expected sequence sort, got %s then %s", lines[0].IngredientID, lines[1].IngredientID)
	}

	partial := ordered
	partial.Lines = []domain.FormulaLine{
		{RawMaterialID: "b", QtyG: fp(1), Sequence: ip(2)},
		{RawMaterialID: "a", QtyG: fp(1)},
	}
	lines, err = b.Build(partial, nil)
	if err != nil {
		t.Fatal(err)
	}
	if lines[0].IngredientID != "b" {
		t.Fatal("incomplete sequences must keep authored order")
	}
}

func TestBuildRejectsEmptyFormulaAndBadOverride(t *testing.T) {
	b := plan.Builder{Defaults: testDefaults()}
	if _, err := b.Build(domain.Formula{ID: "empty"}, nil); err == nil {
		t.Fatal("expected error for a formula without lines")
	}
	f := domain.Formula{ID: "f1", Lines: []domain.FormulaLine{{RawMaterialID: "a", PercentOfBatch: fp(50)}}}
	if _, err := b.Build(f, &plan.BatchOverride{Size: -1, Unit: "g"}); err == nil {
		t.Fatal("expected error for non-positive batch size")
	}
	if _, err := b.Build(f, &plan.BatchOverride{Size: 1, Unit: "oz"}); err == nil {
		t.Fatal("expected error for unknown unit")
	}
}
