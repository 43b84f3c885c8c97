package dso

import (
	"bytes"
	"io"
	"os"
	"path/filepath"

	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/ulikunitz/xz"

	"github.com/jitsym/jitsym/objfile"
)

const globalDebugDir = "/usr/lib/debug"

// findDebugFile looks for a separate debug companion of the binary at
// path, trying in order: the GNU build-id tree, the .gnu_debuglink
// search path, a dSYM bundle, and finally the embedded minidebug
// section. Returns nil when the binary itself is the best we have.
func (r *Resolver) findDebugFile(path string, f objfile.File) objfile.File {
	var merr *multierror.Error

	if id, err := objfile.GNUBuildID(f); err == nil && len(id) > 2 {
		p := filepath.Join(r.fsRoot, globalDebugDir, ".build-id", id[:2], id[2:]+".debug")
		if dbg, err := r.openDebugCandidate(p, nil); err == nil {
			return dbg
		} else if !os.IsNotExist(errors.Cause(err)) {
			merr = multierror.Append(merr, err)
		}
	}

	if name, crc, ok := objfile.DebugLink(f); ok {
		dir := filepath.Dir(path)
		for _, p := range []string{
			filepath.Join(r.fsRoot, dir, name),
			filepath.Join(r.fsRoot, dir, ".debug", name),
			filepath.Join(r.fsRoot, globalDebugDir, dir, name),
		} {
			if p == filepath.Join(r.fsRoot, path) {
				continue
			}
			dbg, err := r.openDebugCandidate(p, func(data []byte) error {
				if got := objfile.DebugLinkCRC(data); got != crc {
					return errors.Errorf("debuglink crc mismatch: %#x != %#x", got, crc)
				}
				return nil
			})
			if err == nil {
				return dbg
			}
			if !os.IsNotExist(errors.Cause(err)) {
				merr = multierror.Append(merr, err)
			}
		}
	}

	if uuid, ok := f.UUID(); ok {
		p := filepath.Join(r.fsRoot, path+".dSYM", "Contents", "Resources", "DWARF", filepath.Base(path))
		dbg, err := r.openDebugCandidate(p, func(data []byte) error {
			df, err := objfile.Open(data)
			if err != nil {
				return err
			}
			du, ok := df.UUID()
			if !ok || !bytes.Equal(du[:], uuid[:]) {
				return errors.New("dSYM UUID mismatch")
			}
			return nil
		})
		if err == nil {
			return dbg
		}
		if !os.IsNotExist(errors.Cause(err)) {
			merr = multierror.Append(merr, err)
		}
	}

	if dbg, err := minidebug(f); err == nil && dbg != nil {
		return dbg
	} else if err != nil {
		merr = multierror.Append(merr, err)
	}

	if err := merr.ErrorOrNil(); err != nil {
		level.Debug(r.logger).Log("msg", "no debug companion", "path", path, "err", err)
	}
	return nil
}

// openDebugCandidate reads and parses one candidate debug file,
// running validate (if any) on the raw bytes first.
func (r *Resolver) openDebugCandidate(path string, validate func([]byte) error) (objfile.File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if validate != nil {
		if err := validate(data); err != nil {
			return nil, errors.Wrap(err, path)
		}
	}
	f, err := objfile.Open(data)
	if err != nil {
		return nil, errors.Wrap(err, path)
	}
	return f, nil
}

// minidebug extracts the xz-compressed ELF embedded in .gnu_debugdata,
// the stripped-binary symbol source used by Fedora-style minidebuginfo.
func minidebug(f objfile.File) (objfile.File, error) {
	data, err := f.SectionData(".gnu_debugdata")
	if err != nil || len(data) == 0 {
		return nil, nil
	}
	xr, err := xz.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(err, "minidebug xz")
	}
	raw, err := io.ReadAll(xr)
	if err != nil {
		return nil, errors.Wrap(err, "minidebug decompress")
	}
	dbg, err := objfile.Open(raw)
	if err != nil {
		return nil, errors.Wrap(err, "minidebug parse")
	}
	return dbg, nil
}
