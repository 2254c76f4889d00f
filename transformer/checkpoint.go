package transformer

import (
	"encoding/gob"
	"fmt"
	"os"
	"slices"

	"github.com/samber/lo"

	"github.com/b0tShaman/transformer-go/ml"
)

// StateDict maps every distinct parameter name to a copy of its value. Tied
// tensors appear once, under the name they were created with.
func (t *Transformer) StateDict() map[string]*ml.Matrix {
	out := make(map[string]*ml.Matrix, len(t.reg.unique))
	for _, p := range t.reg.unique {
		out[p.Name] = p.Value.Clone()
	}
	return out
}

// LoadStateDict replaces every parameter value. Nothing is written unless the
// keys and shapes match the model exactly.
func (t *Transformer) LoadStateDict(state map[string]*ml.Matrix) error {
	// --- VALIDATION STEP ---
	want := lo.Map(t.reg.unique, func(p *ml.Parameter, _ int) string { return p.Name })
	missing, extra := lo.Difference(want, lo.Keys(state))
	if len(missing) > 0 || len(extra) > 0 {
		slices.Sort(missing)
		slices.Sort(extra)
		return fmt.Errorf("%w: missing %v, unexpected %v", ErrShapeMismatch, missing, extra)
	}
	for _, p := range t.reg.unique {
		loaded := state[p.Name]
		if loaded == nil || !p.Value.SameShape(loaded) {
			var got any = "nil"
			if loaded != nil {
				got = loaded.Shape()
			}
			return fmt.Errorf("%w: %s expected %v, got %v", ErrShapeMismatch, p.Name, p.Value.Shape(), got)
		}
	}

	// --- APPLICATION STEP ---
	for _, p := range t.reg.unique {
		p.Value.CopyFrom(state[p.Name])
	}
	return nil
}

// checkpoint is the on-disk gob layout.
type checkpoint struct {
	Config Config
	Step   int
	Params map[string]*ml.Matrix
}

// SaveToFile writes the configuration and parameters to filename. step is
// stored so that a restored run can resume its learning-rate schedule. The
// file is written under a temporary name and renamed into place, so an
// existing checkpoint survives a failed save.
func (t *Transformer) SaveToFile(filename string, step int) error {
	tmp := filename + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return err
	}
	encoder := gob.NewEncoder(file)
	if err := encoder.Encode(checkpoint{Config: t.cfg, Step: step, Params: t.StateDict()}); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("encode %s: %w", filename, err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, filename)
}

// LoadFromFile loads parameters saved by SaveToFile into t and returns the
// stored step. The stored configuration must describe the same layout.
func (t *Transformer) LoadFromFile(filename string) (int, error) {
	ck, err := readCheckpoint(filename)
	if err != nil {
		return 0, err
	}
	if err := t.LoadStateDict(ck.Params); err != nil {
		return 0, fmt.Errorf("load %s: %w", filename, err)
	}
	return ck.Step, nil
}

// Restore builds a model from the configuration stored in filename and loads
// its parameters.
func Restore(filename string) (*Transformer, int, error) {
	ck, err := readCheckpoint(filename)
	if err != nil {
		return nil, 0, err
	}
	t, err := NewTransformer(ck.Config, ml.NewRand(0))
	if err != nil {
		return nil, 0, err
	}
	if err := t.LoadStateDict(ck.Params); err != nil {
		return nil, 0, fmt.Errorf("load %s: %w", filename, err)
	}
	return t, ck.Step, nil
}

func readCheckpoint(filename string) (checkpoint, error) {
	var ck checkpoint
	file, err := os.Open(filename)
	if err != nil {
		return ck, err
	}
	defer file.Close()
	if err := gob.NewDecoder(file).Decode(&ck); err != nil {
		return ck, fmt.Errorf("failed to decode gob file %s: %w", filename, err)
	}
	return ck, nil
}
