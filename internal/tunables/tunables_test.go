package tunables_test

import (
	"testing"

	"tunebench/internal/tunables"
)

func ptr(v float64) *float64 { return &v }

func kernelSpecs() []tunables.GroupSpec {
	return []tunables.GroupSpec{
		{
			Name: "kernel",
			Cost: 1,
			Params: []tunables.ParamSpec{
				{Name: "vm_swappiness", Type: tunables.TypeInt, Min: ptr(0), Max: ptr(100), Default: 60},
				{Name: "dirty_ratio", Type: tunables.TypeFloat, Min: ptr(0.1), Max: ptr(0.9), Default: 0.2},
				{Name: "sched_policy", Type: tunables.TypeCategorical, Values: []string{"cfs", "fifo", "rr"}, Default: "cfs"},
			},
		},
		{
			Name: "cache",
			Params: []tunables.ParamSpec{
				{Name: "cache_mb", Type: tunables.TypeInt, Min: ptr(64), Max: ptr(4096), Quantization: 64, Default: 512, Special: []float64{-1}},
			},
		},
	}
}

func mustDefine(t *testing.T, specs []tunables.GroupSpec) *tunables.TunableGroups {
	t.Helper()
	g, err := tunables.Define(specs)
	if err != nil {
		t.Fatalf("define: %v", err)
	}
	return g
}

func TestDefineRejectsBadSchemas(t *testing.T) {
	cases := []struct {
		name  string
		specs []tunables.GroupSpec
	}{
		{"duplicate in group", []tunables.GroupSpec{{Name: "g", Params: []tunables.ParamSpec{
			{Name: "a", Type: tunables.TypeInt, Min: ptr(0), Max: ptr(1), Default: 0},
			{Name: "a", Type: tunables.TypeInt, Min: ptr(0), Max: ptr(1), Default: 0},
		}}}},
		{"duplicate across groups", []tunables.GroupSpec{
			{Name: "g1", Params: []tunables.ParamSpec{{Name: "a", Type: tunables.TypeInt, Min: ptr(0), Max: ptr(1), Default: 0}}},
			{Name: "g2", Params: []tunables.ParamSpec{{Name: "a", Type: tunables.TypeInt, Min: ptr(0), Max: ptr(1), Default: 0}}},
		}},
		{"min above max", []tunables.GroupSpec{{Name: "g", Params: []tunables.ParamSpec{
			{Name: "a", Type: tunables.TypeInt, Min: ptr(10), Max: ptr(1), Default: 5},
		}}}},
		{"empty categorical", []tunables.GroupSpec{{Name: "g", Params: []tunables.ParamSpec{
			{Name: "a", Type: tunables.TypeCategorical, Default: "x"},
		}}}},
		{"weight count mismatch", []tunables.GroupSpec{{Name: "g", Params: []tunables.ParamSpec{
			{Name: "a", Type: tunables.TypeCategorical, Values: []string{"x", "y"}, Weights: []float64{1}, Default: "x"},
		}}}},
		{"zero weight total", []tunables.GroupSpec{{Name: "g", Params: []tunables.ParamSpec{
			{Name: "a", Type: tunables.TypeCategorical, Values: []string{"x", "y"}, Weights: []float64{0, 0}, Default: "x"},
		}}}},
		{"default out of domain", []tunables.GroupSpec{{Name: "g", Params: []tunables.ParamSpec{
			{Name: "a", Type: tunables.TypeInt, Min: ptr(0), Max: ptr(10), Default: 42},
		}}}},
	}
	for _, tc := range cases {
		if _, err := tunables.Define(tc.specs); err == nil {
			t.Errorf("%s: expected SchemaError", tc.name)
		}
	}
}

func TestAssignDomainChecks(t *testing.T) {
	g := mustDefine(t, kernelSpecs())
	if err := g.Assign("vm_swappiness", 30); err != nil {
		t.Fatalf("in-domain assign: %v", err)
	}
	if err := g.Assign("vm_swappiness", 101); err == nil {
		t.Fatalf("expected out-of-domain error")
	}
	if err := g.Assign("sched_policy", "rr"); err != nil {
		t.Fatalf("categorical assign: %v", err)
	}
	if err := g.Assign("sched_policy", "deadline"); err == nil {
		t.Fatalf("expected unknown categorical value error")
	}
	if err := g.Assign("nonexistent", 1); err == nil {
		t.Fatalf("expected unknown tunable error")
	}
}

func TestSpecialValueBypassesRange(t *testing.T) {
	g := mustDefine(t, kernelSpecs())
	if err := g.Assign("cache_mb", -1); err != nil {
		t.Fatalf("special assign: %v", err)
	}
	special, err := g.IsSpecial("cache_mb")
	if err != nil || !special {
		t.Fatalf("expected special sentinel, got %v %v", special, err)
	}
	if err := g.Assign("cache_mb", 256); err != nil {
		t.Fatal(err)
	}
	special, _ = g.IsSpecial("cache_mb")
	if special {
		t.Fatalf("256 is not a sentinel")
	}
}

// Quantized domain [1,10] step 2 has grid 1,3,5,7,9 anchored at min.
// Midpoints round up: 4 -> 5, 6 -> 7. Already-snapped values are unchanged.
func TestQuantizationSnap(t *testing.T) {
	specs := []tunables.GroupSpec{{Name: "g", Params: []tunables.ParamSpec{
		{Name: "p", Type: tunables.TypeInt, Min: ptr(1), Max: ptr(10), Quantization: 2, Default: 5},
	}}}
	cases := []struct {
		assign float64
		want   float64
	}{
		{1, 1}, {3, 3}, {5, 5}, {9, 9},
		{4, 5}, {6, 7}, {8, 9},
		{3.9, 3}, {2.1, 3},
		{10, 9}, // upper neighbor 11 exceeds max
	}
	for _, tc := range cases {
		g := mustDefine(t, specs)
		if err := g.Assign("p", tc.assign); err != nil {
			t.Fatalf("assign %v: %v", tc.assign, err)
		}
		tun, _ := g.Tunable("p")
		if got := tun.Value().(float64); got != tc.want {
			t.Errorf("assign %v: snapped to %v, want %v", tc.assign, got, tc.want)
		}
	}
}

func TestQuantizationIdempotent(t *testing.T) {
	specs := []tunables.GroupSpec{{Name: "g", Params: []tunables.ParamSpec{
		{Name: "p", Type: tunables.TypeFloat, Min: ptr(0), Max: ptr(1), Quantization: 0.25, Default: 0.5},
	}}}
	g := mustDefine(t, specs)
	if err := g.Assign("p", 0.6); err != nil {
		t.Fatal(err)
	}
	tun, _ := g.Tunable("p")
	first := tun.Value().(float64)
	if err := g.Assign("p", first); err != nil {
		t.Fatal(err)
	}
	if again := tun.Value().(float64); again != first {
		t.Fatalf("re-assigning snapped value moved it: %v -> %v", first, again)
	}
}

func TestConfigUIDIndependentOfAssignmentOrder(t *testing.T) {
	g1 := mustDefine(t, kernelSpecs())
	g2 := mustDefine(t, kernelSpecs())
	if err := g1.AssignAll(map[string]any{"vm_swappiness": 10, "dirty_ratio": 0.4, "sched_policy": "fifo", "cache_mb": 128}); err != nil {
		t.Fatal(err)
	}
	for _, kv := range []struct {
		k string
		v any
	}{{"cache_mb", 128}, {"sched_policy", "fifo"}, {"dirty_ratio", 0.4}, {"vm_swappiness", 10}} {
		if err := g2.Assign(kv.k, kv.v); err != nil {
			t.Fatal(err)
		}
	}
	if g1.ConfigUID() != g2.ConfigUID() {
		t.Fatalf("equal values must hash equal:\n%s\n%s", g1.ConfigUID(), g2.ConfigUID())
	}
	if g1.SchemaUID() != g2.SchemaUID() {
		t.Fatalf("identical schemas must hash equal")
	}
}

func TestConfigUIDChangesWithAnyValue(t *testing.T) {
	g1 := mustDefine(t, kernelSpecs())
	g2 := mustDefine(t, kernelSpecs())
	if err := g2.Assign("vm_swappiness", 61); err != nil {
		t.Fatal(err)
	}
	if g1.ConfigUID() == g2.ConfigUID() {
		t.Fatalf("differing values must hash differently")
	}
}

func TestConfigUIDSameValueTwoCodePaths(t *testing.T) {
	specs := []tunables.GroupSpec{{Name: "g", Params: []tunables.ParamSpec{
		{Name: "a", Type: tunables.TypeInt, Min: ptr(1), Max: ptr(10), Default: 1},
	}}}
	g1 := mustDefine(t, specs)
	if err := g1.Assign("a", 7); err != nil {
		t.Fatal(err)
	}
	g2 := mustDefine(t, specs)
	if err := g2.AssignStrings(map[string]string{"a": "7"}); err != nil {
		t.Fatal(err)
	}
	if g1.ConfigUID() != g2.ConfigUID() {
		t.Fatalf("same final value via different paths must hash equal")
	}
}

func TestVectorRoundTrip(t *testing.T) {
	g := mustDefine(t, kernelSpecs())
	if err := g.AssignAll(map[string]any{"vm_swappiness": 42, "dirty_ratio": 0.7, "sched_policy": "rr", "cache_mb": 1024}); err != nil {
		t.Fatal(err)
	}
	vec, err := g.ToVector()
	if err != nil {
		t.Fatal(err)
	}
	other := mustDefine(t, kernelSpecs())
	if err := other.FromVector(vec); err != nil {
		t.Fatalf("from vector: %v", err)
	}
	if g.ConfigUID() != other.ConfigUID() {
		t.Fatalf("round trip changed configuration")
	}
}

func TestFromVectorRejectsMismatch(t *testing.T) {
	g := mustDefine(t, kernelSpecs())
	if err := g.FromVector([]float64{1}); err == nil {
		t.Fatalf("expected length mismatch error")
	}
	// categorical slot out of range
	vec, _ := g.ToVector()
	vec[2] = 99
	if err := g.FromVector(vec); err == nil {
		t.Fatalf("expected categorical index error")
	}
	vec[2] = 0
	vec[0] = -5
	if err := g.FromVector(vec); err == nil {
		t.Fatalf("expected numeric domain error")
	}
}

func TestEnvParamsCanonicalForm(t *testing.T) {
	g := mustDefine(t, kernelSpecs())
	if err := g.AssignAll(map[string]any{"dirty_ratio": 0.25, "cache_mb": 192}); err != nil {
		t.Fatal(err)
	}
	params := g.EnvParams(nil)
	if params["dirty_ratio"] != "0.25" {
		t.Errorf("dirty_ratio = %q", params["dirty_ratio"])
	}
	if params["cache_mb"] != "192" {
		t.Errorf("cache_mb = %q, want integral form", params["cache_mb"])
	}
	if params["sched_policy"] != "cfs" {
		t.Errorf("sched_policy = %q", params["sched_policy"])
	}
	filtered := g.EnvParams(func(name string) bool { return name == "cache_mb" })
	if len(filtered) != 1 {
		t.Errorf("filter ignored: %v", filtered)
	}
}

func TestCopyIsolatesSnapshot(t *testing.T) {
	g := mustDefine(t, kernelSpecs())
	if err := g.Assign("vm_swappiness", 10); err != nil {
		t.Fatal(err)
	}
	snap := g.Copy()
	uid := snap.ConfigUID()
	if err := g.Assign("vm_swappiness", 90); err != nil {
		t.Fatal(err)
	}
	if snap.ConfigUID() != uid {
		t.Fatalf("mutating the live object corrupted the snapshot")
	}
	if g.ConfigUID() == uid {
		t.Fatalf("live object should have a new uid")
	}
}

func TestSubsetAndMerge(t *testing.T) {
	g := mustDefine(t, kernelSpecs())
	sub, err := g.Subset("cache")
	if err != nil {
		t.Fatal(err)
	}
	if got := sub.Names(); len(got) != 1 || got[0] != "cache_mb" {
		t.Fatalf("subset names: %v", got)
	}
	if _, err := g.Subset("missing"); err == nil {
		t.Fatalf("expected unknown group error")
	}

	other := mustDefine(t, []tunables.GroupSpec{{Name: "net", Params: []tunables.ParamSpec{
		{Name: "tcp_rmem", Type: tunables.TypeInt, Min: ptr(4096), Max: ptr(65536), Default: 8192},
	}}})
	if err := g.Merge(other); err != nil {
		t.Fatalf("merge: %v", err)
	}
	if _, ok := g.Tunable("tcp_rmem"); !ok {
		t.Fatalf("merged tunable missing")
	}

	conflicting := mustDefine(t, []tunables.GroupSpec{{Name: "cache", Params: []tunables.ParamSpec{
		{Name: "cache_mb", Type: tunables.TypeInt, Min: ptr(1), Max: ptr(2), Default: 1},
	}}})
	if err := g.Merge(conflicting); err == nil {
		t.Fatalf("expected schema conflict on merge")
	}
}

func TestWeightedDistributionMetadata(t *testing.T) {
	g := mustDefine(t, []tunables.GroupSpec{{Name: "g", Params: []tunables.ParamSpec{
		{Name: "mode", Type: tunables.TypeCategorical, Values: []string{"a", "b"}, Weights: []float64{3, 1}, Default: "a"},
	}}})
	tun, _ := g.Tunable("mode")
	if tun.Distribution() != tunables.DistWeighted {
		t.Fatalf("distribution = %s", tun.Distribution())
	}
	if w := tun.Weights(); len(w) != 2 || w[0] != 3 {
		t.Fatalf("weights = %v", w)
	}
}
