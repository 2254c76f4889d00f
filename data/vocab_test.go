package data

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildVocab(t *testing.T) {
	v := BuildVocab([][]string{{"b", "a", "b"}, {"c", "a", "b"}}, 1)
	assert.Equal(t, 7, v.Len())
	for id, w := range []string{PAD, UNK, BOS, EOS, "b", "a", "c"} {
		assert.Equal(t, id, v.ID(w), w)
		assert.Equal(t, w, v.Word(id))
	}
	assert.Equal(t, UnkID, v.ID("missing"))
	assert.Equal(t, UNK, v.Word(42))
}

func TestBuildVocabMinFreq(t *testing.T) {
	v := BuildVocab([][]string{{"b", "a", "b"}, {"c", "a", "b"}}, 2)
	assert.Equal(t, 6, v.Len())
	assert.Equal(t, UnkID, v.ID("c"))
}

func TestVocabEncodeDecode(t *testing.T) {
	v := BuildVocab([][]string{{"b", "a", "b"}}, 1)
	assert.Equal(t, []int{BosID, 5, UnkID, EosID}, v.Encode([]string{"a", "zz"}))
	assert.Equal(t, []string{"a", "b"}, v.Decode([]int{BosID, 5, 4, EosID, 5}))
	assert.Equal(t, []string{"b"}, v.Decode([]int{4, PadID, 4}))
	assert.Empty(t, v.Decode(nil))
}

func TestVocabSaveAndLoad(t *testing.T) {
	v := BuildVocab([][]string{{"xin", "chào", "xin"}}, 1)
	path := filepath.Join(t.TempDir(), "vocab.vi")
	require.NoError(t, v.SaveToFile(path))

	loaded, err := LoadVocab(path)
	require.NoError(t, err)
	assert.Equal(t, v, loaded)
}

func TestLoadVocabRejectsMissingSpecials(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vocab.txt")
	require.NoError(t, os.WriteFile(path, []byte("a\nb\nc\nd\n"), 0o644))
	_, err := LoadVocab(path)
	assert.Error(t, err)

	_, err = LoadVocab(filepath.Join(t.TempDir(), "absent"))
	assert.Error(t, err)
}
