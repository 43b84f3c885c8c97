package symbolizer

import (
	"debug/dwarf"
	"io"
	"sort"

	"github.com/go-delve/delve/pkg/dwarf/godwarf"
	"github.com/go-delve/delve/pkg/dwarf/reader"
)

type lineFrame struct {
	Name string
	File string
	Line int
}

// DWARFInfo is the lazily-built debug-info context for one object or
// image. Compilation units are processed on first hit and cached for
// the lifetime of the context. Queries mutate the caches, so all calls
// must be serialized by the owner (the registry lock for JIT objects,
// the per-image entry for shared objects).
type DWARFInfo struct {
	data *dwarf.Data

	lineEntries map[dwarf.Offset][]dwarf.LineEntry
	lineFiles   map[dwarf.Offset][]*dwarf.LineFile
	subprograms map[dwarf.Offset][]*godwarf.Tree
	abstract    map[dwarf.Offset]*dwarf.Entry

	scannedAbstract bool
}

func NewDWARFInfo(data *dwarf.Data) *DWARFInfo {
	return &DWARFInfo{
		data:        data,
		lineEntries: make(map[dwarf.Offset][]dwarf.LineEntry),
		lineFiles:   make(map[dwarf.Offset][]*dwarf.LineFile),
		subprograms: make(map[dwarf.Offset][]*godwarf.Tree),
		abstract:    make(map[dwarf.Offset]*dwarf.Entry),
	}
}

// SourceLines returns the frames covering pc, innermost first, with the
// concrete (non-inlined) function last. The second result is false when
// the debug info does not cover pc at all.
func (d *DWARFInfo) SourceLines(pc uint64) ([]lineFrame, bool) {
	er := reader.New(d.data)
	cu, err := er.SeekPC(pc)
	if err != nil || cu == nil {
		return nil, false
	}
	if err := d.buildTables(cu); err != nil {
		return nil, false
	}

	var target *godwarf.Tree
	for _, tree := range d.subprograms[cu.Offset] {
		if tree.ContainsPC(pc) {
			target = tree
			break
		}
	}
	if target == nil {
		return nil, false
	}

	chain := inlineChain(target, pc) // outermost first
	file, line := d.lineAt(cu.Offset, pc)

	frames := make([]lineFrame, 0, len(chain)+1)
	for i := len(chain) - 1; i >= 0; i-- {
		frames = append(frames, lineFrame{
			Name: d.resolveName(chain[i]),
			File: file,
			Line: line,
		})
		// The next (outer) frame sits at this call's site.
		file, line = d.callSite(cu.Offset, chain[i], file, line)
	}
	frames = append(frames, lineFrame{
		Name: d.resolveName(target),
		File: file,
		Line: line,
	})
	return frames, true
}

func (d *DWARFInfo) buildTables(cu *dwarf.Entry) error {
	if _, done := d.lineEntries[cu.Offset]; done {
		return nil
	}
	// Inlined entries may reference abstract definitions in other
	// compilation units, so the abstract scan is global.
	if err := d.scanAbstract(); err != nil {
		return err
	}
	if err := d.readLineTable(cu); err != nil {
		return err
	}
	return d.readSubprograms(cu)
}

func (d *DWARFInfo) readLineTable(cu *dwarf.Entry) error {
	lr, err := d.data.LineReader(cu)
	if err != nil || lr == nil {
		// Line info is optional; record an empty table.
		d.lineEntries[cu.Offset] = nil
		return nil
	}
	var entries []dwarf.LineEntry
	for {
		var entry dwarf.LineEntry
		if err := lr.Next(&entry); err != nil {
			if err == io.EOF {
				break
			}
			return err
		}
		if entry.IsStmt && !entry.EndSequence {
			entries = append(entries, entry)
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Address < entries[j].Address
	})
	d.lineEntries[cu.Offset] = entries
	d.lineFiles[cu.Offset] = lr.Files()
	return nil
}

func (d *DWARFInfo) readSubprograms(cu *dwarf.Entry) error {
	r := d.data.Reader()
	r.Seek(cu.Offset)
	entry, err := r.Next()
	if err != nil || entry == nil || entry.Tag != dwarf.TagCompileUnit {
		return err
	}
	var subprograms []*godwarf.Tree
	for {
		entry, err := r.Next()
		if err != nil {
			if err == io.EOF {
				break
			}
			return err
		}
		if entry == nil || entry.Tag == dwarf.TagCompileUnit {
			break
		}
		if entry.Tag != dwarf.TagSubprogram {
			continue
		}
		if _, isAbstract := entry.Val(dwarf.AttrInline).(int64); isAbstract {
			d.abstract[entry.Offset] = entry
			continue
		}
		tree, err := godwarf.LoadTree(entry.Offset, d.data, 0)
		if err != nil {
			return err
		}
		subprograms = append(subprograms, tree)
	}
	d.subprograms[cu.Offset] = subprograms
	return nil
}

func (d *DWARFInfo) scanAbstract() error {
	if d.scannedAbstract {
		return nil
	}
	r := d.data.Reader()
	for {
		entry, err := r.Next()
		if err != nil || entry == nil {
			break
		}
		if entry.Tag == dwarf.TagSubprogram {
			d.abstract[entry.Offset] = entry
		}
	}
	d.scannedAbstract = true
	return nil
}

// lineAt finds the line-table row for pc: the closest statement entry
// at or before it.
func (d *DWARFInfo) lineAt(cuOff dwarf.Offset, pc uint64) (string, int) {
	entries := d.lineEntries[cuOff]
	i := sort.Search(len(entries), func(i int) bool {
		return entries[i].Address > pc
	})
	if i == 0 {
		return "", 0
	}
	e := entries[i-1]
	if e.File == nil {
		return "", e.Line
	}
	return e.File.Name, e.Line
}

// callSite reads the call coordinates recorded on an inlined-subroutine
// entry; they locate the next outer frame.
func (d *DWARFInfo) callSite(cuOff dwarf.Offset, inlined *godwarf.Tree, file string, line int) (string, int) {
	if idx, ok := inlined.Val(dwarf.AttrCallFile).(int64); ok {
		files := d.lineFiles[cuOff]
		if idx >= 0 && idx < int64(len(files)) && files[idx] != nil {
			file = files[idx].Name
		}
	}
	if l, ok := inlined.Val(dwarf.AttrCallLine).(int64); ok {
		line = int(l)
	}
	return file, line
}

func (d *DWARFInfo) resolveName(tree *godwarf.Tree) string {
	if tree == nil {
		return ""
	}
	if name, ok := tree.Val(dwarf.AttrName).(string); ok {
		return name
	}
	if off, ok := tree.Val(dwarf.AttrAbstractOrigin).(dwarf.Offset); ok {
		if origin := d.abstract[off]; origin != nil {
			if name, ok := origin.Val(dwarf.AttrName).(string); ok {
				return name
			}
			if name, ok := origin.Val(dwarf.AttrLinkageName).(string); ok {
				return name
			}
		}
	}
	if name, ok := tree.Val(dwarf.AttrLinkageName).(string); ok {
		return name
	}
	return ""
}

// inlineChain walks the subprogram tree for the inlined subroutines
// covering pc, outermost first.
func inlineChain(root *godwarf.Tree, pc uint64) []*godwarf.Tree {
	var chain []*godwarf.Tree
	appendInlined(root, pc, &chain)
	return chain
}

func appendInlined(cur *godwarf.Tree, pc uint64, out *[]*godwarf.Tree) {
	for _, child := range cur.Children {
		if !child.ContainsPC(pc) {
			continue
		}
		switch child.Tag {
		case dwarf.TagInlinedSubroutine:
			*out = append(*out, child)
			appendInlined(child, pc, out)
			return
		case dwarf.TagLexDwarfBlock:
			appendInlined(child, pc, out)
		}
	}
}
