package patch

import (
	"testing"

	"github.com/iambrandonn/corch/internal/checksum"
	"github.com/iambrandonn/corch/internal/protocol"
	"github.com/stretchr/testify/require"
)

// roundTrip generates a diff and re-applies it, asserting the post-image
// comes back byte-identical.
func roundTrip(t *testing.T, oldContent, newContent string) {
	t.Helper()

	diffText := GenerateUnified(oldContent, newContent)
	if oldContent == newContent {
		require.Empty(t, diffText)
		return
	}

	hunks, err := Parse(diffText)
	require.NoError(t, err, "generated diff must parse: %q", diffText)

	got, err := applyHunks(oldContent, hunks)
	require.NoError(t, err, "generated diff must apply: %q", diffText)
	require.Equal(t, newContent, got)
}

func TestGenerateRoundTrip(t *testing.T) {
	cases := []struct {
		name     string
		old, new string
	}{
		{"replace middle line", "a\nb\nc\n", "a\nB\nc\n"},
		{"create from empty", "", "x\ny\nz\n"},
		{"delete everything", "x\ny\n", ""},
		{"append", "a\nb\n", "a\nb\nc\n"},
		{"prepend", "b\nc\n", "a\nb\nc\n"},
		{"no trailing newline new", "a\n", "a\nb"},
		{"no trailing newline old", "a\nb", "a\nb\nc\n"},
		{"distant edits make two hunks", "1\n2\n3\n4\n5\n6\n7\n8\n9\n10\n11\n12\n13\n14\n15\n", "one\n2\n3\n4\n5\n6\n7\n8\n9\n10\n11\n12\n13\n14\nfifteen\n"},
		{"identical", "same\n", "same\n"},
		{"large rewrite", "a\nb\nc\nd\n", "w\nx\ny\nz\n"},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			roundTrip(t, tt.old, tt.new)
		})
	}
}

func TestGenerateTwoHunks(t *testing.T) {
	old := "1\n2\n3\n4\n5\n6\n7\n8\n9\n10\n11\n12\n13\n14\n15\n"
	new := "one\n2\n3\n4\n5\n6\n7\n8\n9\n10\n11\n12\n13\n14\nfifteen\n"

	diffText := GenerateUnified(old, new)
	hunks, err := Parse(diffText)
	require.NoError(t, err)
	require.Len(t, hunks, 2, "edits 14 lines apart should not share a hunk")
}

func TestFromFileChange(t *testing.T) {
	create := protocol.FileChange{Kind: protocol.ChangeCreate, Path: "src/a.go", Content: "x\n"}
	d, err := FromFileChange(create)
	require.NoError(t, err)
	require.Equal(t, "src/a.go", d.FilePath)
	require.Equal(t, checksum.EmptyDigest, d.ExpectedPreImageDigest)
	require.Equal(t, checksum.SHA256Bytes([]byte("x\n")), d.PostImageDigest)

	modify := protocol.FileChange{Kind: protocol.ChangeModify, Path: "src/a.go", ExpectedContent: "x\n", NewContent: "y\n"}
	d, err = FromFileChange(modify)
	require.NoError(t, err)
	require.Equal(t, checksum.SHA256Bytes([]byte("x\n")), d.ExpectedPreImageDigest)
	require.Equal(t, checksum.SHA256Bytes([]byte("y\n")), d.PostImageDigest)

	del := protocol.FileChange{Kind: protocol.ChangeDelete, Path: "src/a.go", ExpectedContent: "x\n"}
	d, err = FromFileChange(del)
	require.NoError(t, err)
	require.Equal(t, checksum.EmptyDigest, d.PostImageDigest)

	_, err = FromFileChange(protocol.FileChange{Kind: "rename", Path: "p"})
	require.Error(t, err)
}

func TestSameDiffSamePostImage(t *testing.T) {
	// Two applications of the same diff to the same pre-image yield
	// identical post-image digests.
	old := "a\nb\nc\n"
	diffText := GenerateUnified(old, "a\nB\nc\n")
	hunks, err := Parse(diffText)
	require.NoError(t, err)

	first, err := applyHunks(old, hunks)
	require.NoError(t, err)
	second, err := applyHunks(old, hunks)
	require.NoError(t, err)
	require.Equal(t, checksum.SHA256Bytes([]byte(first)), checksum.SHA256Bytes([]byte(second)))
}
