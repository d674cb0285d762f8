package mirror

import (
	"io"
	"os"
	"path/filepath"
)

// pending is a fully written temp file waiting to be renamed over target.
type pending struct {
	tmp    string
	target string
}

// stage writes a temp file next to dir/name and syncs it to disk.
func stage(dir, name string, write func(io.Writer) error) (*pending, error) {
	f, err := os.CreateTemp(dir, "."+name+".*.tmp")
	if err != nil {
		return nil, err
	}
	p := &pending{tmp: f.Name(), target: filepath.Join(dir, name)}
	if err := write(f); err != nil {
		f.Close()
		p.discard()
		return nil, err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		p.discard()
		return nil, err
	}
	if err := f.Close(); err != nil {
		p.discard()
		return nil, err
	}
	if err := os.Chmod(p.tmp, 0o644); err != nil {
		p.discard()
		return nil, err
	}
	return p, nil
}

func (p *pending) commit() error {
	return os.Rename(p.tmp, p.target)
}

func (p *pending) discard() {
	os.Remove(p.tmp)
}

// WriteFile atomically replaces path with the output of write.
func WriteFile(path string, write func(io.Writer) error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	p, err := stage(filepath.Dir(path), filepath.Base(path), write)
	if err != nil {
		return err
	}
	if err := p.commit(); err != nil {
		p.discard()
		return err
	}
	return nil
}
