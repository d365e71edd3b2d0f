package jsondiff

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

// merge runs the remote-then-local composition used by the change queue.
func merge(t *testing.T, source, local, remote string) Value {
	t.Helper()

	s := MustParse(source)
	ldiff := Diff(s, MustParse(local))
	rdiff := Diff(s, MustParse(remote))

	transformed, err := Transform(ldiff, rdiff, s)
	if err != nil {
		t.Fatalf("Transform failed: %v", err)
	}

	base, err := Apply(s, rdiff)
	if err != nil {
		t.Fatalf("Apply(remote) failed: %v", err)
	}
	merged, err := Apply(base, transformed)
	if err != nil {
		t.Fatalf("Apply(transformed) failed: %v (op %s)", err, transformed)
	}
	return merged
}

func TestTransformMergesConcurrentTextEdits(t *testing.T) {
	got := merge(t,
		`{"content": "Line 1\n"}`,
		`{"content": "Line 1\nLine 3\n"}`,
		`{"content": "Line 1\nLine 2\n"}`,
	)
	want := MustParse(`{"content": "Line 1\nLine 2\nLine 3\n"}`)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("merge mismatch (-want +got):\n%s", diff)
	}
}

func TestTransform(t *testing.T) {
	tests := []struct {
		name   string
		source string
		local  string
		remote string
		want   string
	}{
		{
			name:   "disjoint keys",
			source: `{"a": 1, "b": 1}`,
			local:  `{"a": 2, "b": 1}`,
			remote: `{"a": 1, "b": 3}`,
			want:   `{"a": 2, "b": 3}`,
		},
		{
			name:   "same insert",
			source: `{}`,
			local:  `{"tag": "x"}`,
			remote: `{"tag": "x"}`,
			want:   `{"tag": "x"}`,
		},
		{
			name:   "conflicting inserts prefer local",
			source: `{}`,
			local:  `{"tag": "mine"}`,
			remote: `{"tag": "theirs"}`,
			want:   `{"tag": "mine"}`,
		},
		{
			name:   "both removed",
			source: `{"gone": 1, "keep": 2}`,
			local:  `{"keep": 2}`,
			remote: `{"keep": 2}`,
			want:   `{"keep": 2}`,
		},
		{
			name:   "remote remove keeps local edit",
			source: `{"note": {"body": "draft"}}`,
			local:  `{"note": {"body": "final"}}`,
			remote: `{}`,
			want:   `{"note": {"body": "final"}}`,
		},
		{
			name:   "nested objects",
			source: `{"m": {"x": 1, "y": 1}}`,
			local:  `{"m": {"x": 2, "y": 1}}`,
			remote: `{"m": {"x": 1, "y": 2}}`,
			want:   `{"m": {"x": 2, "y": 2}}`,
		},
		{
			name:   "identical text edits",
			source: `{"t": "abc"}`,
			local:  `{"t": "abcd"}`,
			remote: `{"t": "abcd"}`,
			want:   `{"t": "abcd"}`,
		},
		{
			name:   "list append over remote removal",
			source: `{"l": [1, 2, 3]}`,
			local:  `{"l": [1, 2, 3, 4]}`,
			remote: `{"l": [2, 3]}`,
			want:   `{"l": [2, 3, 4]}`,
		},
		{
			name:   "list edit after remote insert",
			source: `{"l": ["a", "b"]}`,
			local:  `{"l": ["a", "B"]}`,
			remote: `{"l": ["x", "a", "b"]}`,
			want:   `{"l": ["x", "a", "B"]}`,
		},
		{
			name:   "both append different items",
			source: `{"l": ["a"]}`,
			local:  `{"l": ["a", "mine"]}`,
			remote: `{"l": ["a", "theirs"]}`,
			want:   `{"l": ["a", "theirs", "mine"]}`,
		},
		{
			name:   "both append same item",
			source: `{"l": ["a"]}`,
			local:  `{"l": ["a", "b"]}`,
			remote: `{"l": ["a", "b"]}`,
			want:   `{"l": ["a", "b"]}`,
		},
		{
			name:   "remote remove of locally edited element",
			source: `{"l": [{"n": 1}, {"n": 2}]}`,
			local:  `{"l": [{"n": 1}, {"n": 20}]}`,
			remote: `{"l": [{"n": 1}]}`,
			want:   `{"l": [{"n": 1}, {"n": 20}]}`,
		},
		{
			name:   "local removal survives remote append",
			source: `{"l": ["a", "b", "c"]}`,
			local:  `{"l": ["a", "c"]}`,
			remote: `{"l": ["a", "b", "c", "d"]}`,
			want:   `{"l": ["a", "c", "d"]}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := merge(t, tt.source, tt.local, tt.remote)
			if diff := cmp.Diff(MustParse(tt.want), got); diff != "" {
				t.Errorf("merge mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestTransformPassesThroughWhenRemoteEmpty(t *testing.T) {
	s := MustParse(`{"a": 1}`)
	local := Diff(s, MustParse(`{"a": 2}`))

	got, err := Transform(local, Operation{}, s)
	if err != nil {
		t.Fatalf("Transform failed: %v", err)
	}
	if !got.Equal(local) {
		t.Errorf("Transform = %s, want %s", got, local)
	}
}

func TestTransformDropsIdenticalEdits(t *testing.T) {
	s := MustParse(`{"t": "abc", "n": 1}`)
	d := Diff(s, MustParse(`{"t": "abcd", "n": 2}`))

	got, err := Transform(d, d, s)
	if err != nil {
		t.Fatalf("Transform failed: %v", err)
	}
	if !got.IsEmpty() {
		t.Errorf("Transform(d, d) = %s, want empty", got)
	}
}
