package patch

import (
	"fmt"
	"strings"

	"github.com/iambrandonn/corch/internal/checksum"
	"github.com/iambrandonn/corch/internal/protocol"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// contextLines is the number of unchanged lines emitted around each edit.
const contextLines = 3

type lineOp struct {
	op   diffmatchpatch.Operation
	text string // includes trailing newline except for a final partial line
}

// lineDiff computes a line-level diff between two contents.
func lineDiff(oldContent, newContent string) []lineOp {
	dmp := diffmatchpatch.New()
	a, b, lineArray := dmp.DiffLinesToChars(oldContent, newContent)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lineArray)

	var ops []lineOp
	for _, d := range diffs {
		for _, l := range splitLines(d.Text) {
			ops = append(ops, lineOp{op: d.Type, text: l})
		}
	}
	return ops
}

// GenerateUnified renders a unified diff between two file contents. Equal
// contents yield an empty string.
func GenerateUnified(oldContent, newContent string) string {
	if oldContent == newContent {
		return ""
	}

	ops := lineDiff(oldContent, newContent)

	// Group edits into hunks, merging edits whose context overlaps.
	type group struct{ start, end int }
	var groups []group
	i := 0
	for i < len(ops) {
		if ops[i].op == diffmatchpatch.DiffEqual {
			i++
			continue
		}
		g := group{start: max(0, i-contextLines)}
		if len(groups) > 0 && g.start <= groups[len(groups)-1].end {
			g.start = groups[len(groups)-1].start
			groups = groups[:len(groups)-1]
		}
		// Extend through any edits closer than twice the context width.
		j := i
		for k := i; k < len(ops); k++ {
			if ops[k].op != diffmatchpatch.DiffEqual {
				j = k
			} else if k-j > 2*contextLines {
				break
			}
		}
		g.end = min(len(ops), j+1+contextLines)
		groups = append(groups, g)
		i = g.end
	}

	var sb strings.Builder
	oldLine, newLine := 0, 0
	opIdx := 0

	for _, g := range groups {
		// Advance line counters through the skipped region.
		for ; opIdx < g.start; opIdx++ {
			switch ops[opIdx].op {
			case diffmatchpatch.DiffEqual:
				oldLine++
				newLine++
			case diffmatchpatch.DiffDelete:
				oldLine++
			case diffmatchpatch.DiffInsert:
				newLine++
			}
		}

		oldCount, newCount := 0, 0
		var body strings.Builder
		for k := g.start; k < g.end; k++ {
			text := ops[k].text
			noNewline := !strings.HasSuffix(text, "\n")
			trimmed := strings.TrimSuffix(text, "\n")
			switch ops[k].op {
			case diffmatchpatch.DiffEqual:
				body.WriteString(" " + trimmed + "\n")
				oldCount++
				newCount++
			case diffmatchpatch.DiffDelete:
				body.WriteString("-" + trimmed + "\n")
				oldCount++
			case diffmatchpatch.DiffInsert:
				body.WriteString("+" + trimmed + "\n")
				newCount++
			}
			if noNewline {
				body.WriteString("\\ No newline at end of file\n")
			}
		}

		oldStart := oldLine + 1
		if oldCount == 0 {
			oldStart = oldLine
		}
		newStart := newLine + 1
		if newCount == 0 {
			newStart = newLine
		}
		fmt.Fprintf(&sb, "@@ -%d,%d +%d,%d @@\n", oldStart, oldCount, newStart, newCount)
		sb.WriteString(body.String())

		for ; opIdx < g.end; opIdx++ {
			switch ops[opIdx].op {
			case diffmatchpatch.DiffEqual:
				oldLine++
				newLine++
			case diffmatchpatch.DiffDelete:
				oldLine++
			case diffmatchpatch.DiffInsert:
				newLine++
			}
		}
	}

	return sb.String()
}

// FromFileChange converts a worker's file change into the applier's wire
// form, pinning pre- and post-image digests from the change's own contents.
func FromFileChange(ch protocol.FileChange) (protocol.UnifiedDiff, error) {
	var oldContent, newContent string

	switch ch.Kind {
	case protocol.ChangeCreate:
		oldContent, newContent = "", ch.Content
	case protocol.ChangeModify:
		oldContent, newContent = ch.ExpectedContent, ch.NewContent
	case protocol.ChangeDelete:
		oldContent, newContent = ch.ExpectedContent, ""
	default:
		return protocol.UnifiedDiff{}, fmt.Errorf("unknown change kind %q", ch.Kind)
	}

	return protocol.UnifiedDiff{
		FilePath:               ch.Path,
		DiffText:               GenerateUnified(oldContent, newContent),
		ExpectedPreImageDigest: checksum.SHA256Bytes([]byte(oldContent)),
		PostImageDigest:        checksum.SHA256Bytes([]byte(newContent)),
	}, nil
}
