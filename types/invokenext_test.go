package types

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestParseRef(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Ref
		wantErr bool
	}{
		{
			name:  "plain name yields rank 1",
			input: "compute-stats",
			want:  Ref{Name: "compute-stats", Rank: 1},
		},
		{
			name:  "ranked reference",
			input: "shard(4)",
			want:  Ref{Name: "shard", Rank: 4},
		},
		{
			name:  "rank 1 explicit",
			input: "merge(1)",
			want:  Ref{Name: "merge", Rank: 1},
		},
		{
			name:    "rank zero rejected",
			input:   "shard(0)",
			wantErr: true,
		},
		{
			name:    "empty name rejected",
			input:   "(3)",
			wantErr: true,
		},
		{
			name:    "dangling parenthesis rejected",
			input:   "shard(",
			wantErr: true,
		},
		{
			name:    "non-numeric rank rejected",
			input:   "shard(two)",
			wantErr: true,
		},
		{
			name:    "empty string rejected",
			input:   "",
			wantErr: true,
		},
		{
			name:    "embedded space rejected",
			input:   "sh ard",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRef(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseRef(%q) = %+v, want error", tt.input, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseRef(%q) failed: %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("ParseRef(%q) = %+v, want %+v", tt.input, got, tt.want)
			}
		})
	}
}

func TestInvokeNextUnmarshal(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  InvokeNext
	}{
		{
			name:  "array of plain references",
			input: `["B", "C(3)"]`,
			want: InvokeNext{
				{Ref: &Ref{Name: "B", Rank: 1}},
				{Ref: &Ref{Name: "C", Rank: 3}},
			},
		},
		{
			name:  "bare string normalizes to sequence",
			input: `"B"`,
			want:  InvokeNext{{Ref: &Ref{Name: "B", Rank: 1}}},
		},
		{
			name:  "conditional with string and sequence branches",
			input: `[{"true": "B", "false": ["C", "D"]}]`,
			want: InvokeNext{
				{Cond: map[string][]Ref{
					"true":  {{Name: "B", Rank: 1}},
					"false": {{Name: "C", Rank: 1}, {Name: "D", Rank: 1}},
				}},
			},
		},
		{
			name:  "conditional and plain coexist",
			input: `["A", {"1": "B"}]`,
			want: InvokeNext{
				{Ref: &Ref{Name: "A", Rank: 1}},
				{Cond: map[string][]Ref{"1": {{Name: "B", Rank: 1}}}},
			},
		},
		{
			name:  "ranked reference inside conditional branch",
			input: `[{"go": ["fan(2)"]}]`,
			want: InvokeNext{
				{Cond: map[string][]Ref{"go": {{Name: "fan", Rank: 2}}}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got InvokeNext
			if err := json.Unmarshal([]byte(tt.input), &got); err != nil {
				t.Fatalf("unmarshal failed: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestInvokeNextUnmarshalRejectsMalformed(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "malformed reference", input: `["sh ard"]`},
		{name: "number element", input: `[42]`},
		{name: "branch with number", input: `[{"true": 42}]`},
		{name: "malformed branch reference", input: `[{"true": "x()"}]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got InvokeNext
			if err := json.Unmarshal([]byte(tt.input), &got); err == nil {
				t.Fatalf("unmarshal(%s) = %+v, want error", tt.input, got)
			}
		})
	}
}

func TestInvokeNextRoundTrip(t *testing.T) {
	input := `["B","C(3)",{"false":["C","D"],"true":"B"}]`

	var in InvokeNext
	if err := json.Unmarshal([]byte(input), &in); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	out, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var again InvokeNext
	if err := json.Unmarshal(out, &again); err != nil {
		t.Fatalf("re-unmarshal failed: %v", err)
	}
	if !reflect.DeepEqual(in, again) {
		t.Errorf("round trip changed value: %+v vs %+v", in, again)
	}
}

func TestInvokeNextHasConditional(t *testing.T) {
	var plain InvokeNext
	if err := json.Unmarshal([]byte(`["A","B"]`), &plain); err != nil {
		t.Fatal(err)
	}
	if plain.HasConditional() {
		t.Error("plain sequence reported conditional")
	}

	var cond InvokeNext
	if err := json.Unmarshal([]byte(`["A",{"true":"B"}]`), &cond); err != nil {
		t.Fatal(err)
	}
	if !cond.HasConditional() {
		t.Error("conditional sequence not reported")
	}
}

func TestInvokeNextAllRefs(t *testing.T) {
	var in InvokeNext
	if err := json.Unmarshal([]byte(`["A",{"y":"C","x":["B","D(2)"]}]`), &in); err != nil {
		t.Fatal(err)
	}

	got := in.AllRefs()
	want := []Ref{
		{Name: "A", Rank: 1},
		{Name: "B", Rank: 1},
		{Name: "D", Rank: 2},
		{Name: "C", Rank: 1},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("AllRefs() = %+v, want %+v", got, want)
	}
}
