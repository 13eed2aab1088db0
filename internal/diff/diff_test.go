package diff

import (
	"encoding/json"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// doc decodes a JSON literal the way snapshots arrive off the wire.
func doc(t *testing.T, s string) any {
	t.Helper()
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		t.Fatalf("decode %s: %v", s, err)
	}
	return v
}

func TestMerge(t *testing.T) {
	tests := []struct {
		name  string
		base  string
		patch string
		want  string
	}{
		{"keeps absent keys", `{"a":1,"b":2}`, `{"b":3}`, `{"a":1,"b":3}`},
		{"recurses into maps", `{"o":{"x":1,"y":2}}`, `{"o":{"y":5}}`, `{"o":{"x":1,"y":5}}`},
		{"adds new keys", `{"a":1}`, `{"n":{"k":true}}`, `{"a":1,"n":{"k":true}}`},
		{"null sets key", `{"a":1}`, `{"a":null}`, `{"a":null}`},
		{"scalar replaced by map", `{"a":1}`, `{"a":{"b":1}}`, `{"a":{"b":1}}`},
		{"array null keeps base", `{"l":[1,2,3]}`, `{"l":[null,9]}`, `{"l":[1,9,3]}`},
		{"array grows", `{"l":[1]}`, `{"l":[null,2,3]}`, `{"l":[1,2,3]}`},
		{"array element merges", `{"l":[{"a":1,"b":1}]}`, `{"l":[{"b":2}]}`, `{"l":[{"a":1,"b":2}]}`},
		{"empty patch", `{"a":{"b":[1]}}`, `{}`, `{"a":{"b":[1]}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Merge(doc(t, tt.base), doc(t, tt.patch))
			if d := cmp.Diff(doc(t, tt.want), got); d != "" {
				t.Errorf("Merge mismatch (-want +got):\n%s", d)
			}
		})
	}
}

func TestMergeNilPatchCopiesBase(t *testing.T) {
	base := doc(t, `{"a":{"b":1}}`)
	got := Merge(base, nil)
	if d := cmp.Diff(base, got); d != "" {
		t.Fatalf("unexpected result (-want +got):\n%s", d)
	}
	got.(map[string]any)["a"].(map[string]any)["b"] = 2.0
	if base.(map[string]any)["a"].(map[string]any)["b"] != 1.0 {
		t.Fatal("result aliases base")
	}
}

func TestMergeDoesNotMutateInputs(t *testing.T) {
	base := doc(t, `{"o":{"x":1},"l":[{"a":1}]}`)
	patch := doc(t, `{"o":{"y":2},"l":[{"b":2}]}`)
	baseCopy, patchCopy := Clone(base), Clone(patch)

	merged := Merge(base, patch).(map[string]any)
	merged["o"].(map[string]any)["z"] = 3.0

	if d := cmp.Diff(baseCopy, base); d != "" {
		t.Errorf("base mutated (-want +got):\n%s", d)
	}
	if d := cmp.Diff(patchCopy, patch); d != "" {
		t.Errorf("patch mutated (-want +got):\n%s", d)
	}
}

func TestDiff(t *testing.T) {
	tests := []struct {
		name string
		prev string
		next string
		want string
	}{
		{"changed scalar", `{"a":1,"b":2}`, `{"a":1,"b":3}`, `{"b":3}`},
		{"nested change only", `{"o":{"x":1,"y":2}}`, `{"o":{"x":1,"y":3}}`, `{"o":{"y":3}}`},
		{"new key", `{"a":1}`, `{"a":1,"b":{"c":[]}}`, `{"b":{"c":[]}}`},
		{"explicit null", `{"a":1}`, `{"a":null}`, `{"a":null}`},
		{"unchanged nested pruned", `{"o":{"x":1},"p":2}`, `{"o":{"x":1},"p":3}`, `{"p":3}`},
		{"removed key not represented", `{"a":1,"b":2}`, `{"a":1}`, `{}`},
		{"array positional", `{"l":[1,2,3]}`, `{"l":[1,5,3]}`, `{"l":[null,5,null]}`},
		{"array append", `{"l":[1]}`, `{"l":[1,2]}`, `{"l":[null,2]}`},
		{"array unchanged pruned", `{"l":[1,2],"a":1}`, `{"l":[1,2],"a":2}`, `{"a":2}`},
		{"type change", `{"a":{"b":1}}`, `{"a":[1]}`, `{"a":[1]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Diff(doc(t, tt.prev), doc(t, tt.next))
			if d := cmp.Diff(doc(t, tt.want), got); d != "" {
				t.Errorf("Diff mismatch (-want +got):\n%s", d)
			}
		})
	}
}

func TestDiffOfEqualIsEmpty(t *testing.T) {
	for _, s := range []string{`{}`, `{"a":{"b":[1,{"c":null}]}}`, `[1,2]`, `[]`} {
		v := doc(t, s)
		if p := Diff(v, Clone(v)); !IsEmpty(p) {
			t.Errorf("Diff(%s, %s) = %v, want empty", s, s, p)
		}
	}
	if _, ok := Diff(doc(t, `[1]`), doc(t, `[1]`)).([]any); !ok {
		t.Error("expected an empty sequence for equal sequences")
	}
}

func TestMessageChainScenario(t *testing.T) {
	canonical := doc(t, `{"output":{},"meta":{"messageId":"m0"}}`)
	patch := doc(t, `{"output":{"count":1},"meta":{"messageId":"m1","prevMessageId":"m0"}}`)

	merged := Merge(canonical, patch)
	want := doc(t, `{"output":{"count":1},"meta":{"messageId":"m1","prevMessageId":"m0"}}`)
	if d := cmp.Diff(want, merged); d != "" {
		t.Fatalf("canonical mismatch (-want +got):\n%s", d)
	}

	sent := Diff(canonical, merged)
	if d := cmp.Diff(want, sent); d != "" {
		t.Fatalf("subscriber diff mismatch (-want +got):\n%s", d)
	}
}

func TestMergeDiffInverse(t *testing.T) {
	pairs := [][2]string{
		{`{}`, `{"a":1}`},
		{`{"a":1,"b":{"c":2}}`, `{"a":2,"b":{"c":2,"d":[1,2]}}`},
		{`{"l":[{"a":1},{"b":2}]}`, `{"l":[{"a":1},{"b":3},{"c":4}]}`},
		{`{"s":"x","n":null}`, `{"s":"y","n":{"k":false}}`},
		{`{"deep":{"er":{"est":[1,[2,3]]}}}`, `{"deep":{"er":{"est":[1,[2,4]],"new":true}}}`},
		{`{"a":{"b":1}}`, `{"a":"flat"}`},
	}
	for _, p := range pairs {
		x, y := doc(t, p[0]), doc(t, p[1])
		got := Merge(x, Diff(x, y))
		if d := cmp.Diff(y, got); d != "" {
			t.Errorf("merge(%s, diff(%s, %s)) mismatch (-want +got):\n%s", p[0], p[0], p[1], d)
		}
	}
}

// TestMergeDiffInverseRandom grows documents by random edits that avoid the
// two unrepresentable changes: removing keys and nulling or shrinking arrays.
func TestMergeDiffInverseRandom(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	for i := 0; i < 200; i++ {
		x := randomDoc(r, 3)
		y := mutate(r, Clone(x), 3)
		got := Merge(x, Diff(x, y))
		if d := cmp.Diff(y, got); d != "" {
			t.Fatalf("iteration %d: inverse law broken (-want +got):\n%s", i, d)
		}
	}
}

func TestArrayNullAmbiguity(t *testing.T) {
	x := doc(t, `{"l":[1,2]}`)
	y := doc(t, `{"l":[1,null]}`)
	got := Merge(x, Diff(x, y))
	want := doc(t, `{"l":[1,2]}`)
	if d := cmp.Diff(want, got); d != "" {
		t.Fatalf("expected null element to read as no change (-want +got):\n%s", d)
	}
}

func TestEqual(t *testing.T) {
	if !Equal(map[string]any{"n": 1}, map[string]any{"n": 1.0}) {
		t.Error("int and float64 of the same value should be equal")
	}
	if !Equal(json.Number("2"), 2.0) {
		t.Error("json.Number should compare by value")
	}
	if Equal(map[string]any{"a": nil}, map[string]any{}) {
		t.Error("explicit nil key differs from a missing key")
	}
	if Equal([]any{1.0}, map[string]any{"0": 1.0}) {
		t.Error("sequence and mapping must not be equal")
	}
}

func randomDoc(r *rand.Rand, depth int) map[string]any {
	m := make(map[string]any)
	for i := 0; i < 1+r.Intn(4); i++ {
		m[key(r)] = randomValue(r, depth-1)
	}
	return m
}

func randomValue(r *rand.Rand, depth int) any {
	if depth <= 0 {
		return scalar(r)
	}
	switch r.Intn(4) {
	case 0:
		return randomDoc(r, depth)
	case 1:
		l := make([]any, 1+r.Intn(3))
		for i := range l {
			l[i] = randomValue(r, depth-1)
		}
		return l
	default:
		return scalar(r)
	}
}

func mutate(r *rand.Rand, v any, depth int) any {
	switch t := v.(type) {
	case map[string]any:
		for k, e := range t {
			if r.Intn(3) == 0 {
				t[k] = mutate(r, e, depth-1)
			}
		}
		if k := key(r); r.Intn(2) == 0 {
			if _, exists := t[k]; !exists {
				t[k] = randomValue(r, depth-1)
			}
		}
		return t
	case []any:
		for i, e := range t {
			if r.Intn(3) == 0 {
				t[i] = mutate(r, e, depth-1)
			}
		}
		if r.Intn(3) == 0 {
			t = append(t, scalar(r))
		}
		return t
	default:
		return scalar(r)
	}
}

func scalar(r *rand.Rand) any {
	switch r.Intn(3) {
	case 0:
		return float64(r.Intn(10))
	case 1:
		return r.Intn(2) == 0
	default:
		return key(r)
	}
}

func key(r *rand.Rand) string {
	return string(rune('a' + r.Intn(8)))
}
