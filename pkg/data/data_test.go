package data

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jguan/vitune/pkg/masking"
	"github.com/jguan/vitune/pkg/trainer"
)

func writeJSON(t *testing.T, dir, name string, v any) string {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, raw, 0o644))
	return path
}

func instructions(n int, withImages bool) map[string]any {
	data := map[string]any{}
	for i := 0; i < n; i++ {
		id := string(rune('a' + i))
		inst := map[string]any{"instruction": "what is " + id, "answer": "it is " + id}
		if withImages {
			inst["image_ids"] = []string{"img_" + id}
		}
		data[id] = inst
	}
	return map[string]any{"data": data}
}

func images(n int) map[string][]float32 {
	out := map[string][]float32{}
	for i := 0; i < n; i++ {
		out["img_"+string(rune('a'+i))] = []float32{float32(i), 1}
	}
	return out
}

func TestSplit(t *testing.T) {
	got := split("<image>User: hi GPT:<answer> yes<|endofchunk|>")
	assert.Equal(t, []string{"<image>", "User:", "hi", "GPT:", "<answer>", "yes", "<|endofchunk|>"}, got)
	assert.Empty(t, split("   "))
}

func TestVocab(t *testing.T) {
	v := BuildVocab([]string{"<image>User: hi GPT:<answer> yes<|endofchunk|>"})

	pad, err := v.TokenID(PadToken)
	require.NoError(t, err)
	assert.Equal(t, pad, v.PadTokenID())

	markers, err := masking.ResolveMarkers(v)
	require.NoError(t, err)
	assert.NoError(t, markers.Validate())

	ids := v.Encode("User: hi GPT:<answer> nope")
	assert.Equal(t, "User: hi GPT: <answer> <unk>", v.Decode(ids))

	_, err = v.TokenID("missing")
	assert.ErrorIs(t, err, ErrUnknownToken)
	assert.Equal(t, UnkToken, v.Token(-1))

	path := filepath.Join(t.TempDir(), "vocab.json")
	require.NoError(t, v.Save(path))
	loaded, err := LoadVocab(path)
	require.NoError(t, err)
	assert.Equal(t, v.Size(), loaded.Size())
	assert.Equal(t, ids, loaded.Encode("User: hi GPT:<answer> nope"))
}

func TestLoadVocab_Invalid(t *testing.T) {
	dir := t.TempDir()
	_, err := LoadVocab(filepath.Join(dir, "missing.json"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	dup := writeJSON(t, dir, "dup.json", map[string]any{"tokens": []string{"a", "a"}})
	_, err = LoadVocab(dup)
	assert.Error(t, err)

	nospecial := writeJSON(t, dir, "nospecial.json", map[string]any{"tokens": []string{"a"}})
	_, err = LoadVocab(nospecial)
	assert.Error(t, err)
}

func TestReadSource(t *testing.T) {
	dir := t.TempDir()
	src := Source{
		Instructions: writeJSON(t, dir, "inst.json", instructions(3, true)),
		Images:       writeJSON(t, dir, "images.json", images(3)),
		TrainConfig:  writeJSON(t, dir, "train.json", map[string][]string{"c": {"a", "b"}, "a": nil}),
	}

	convs, err := ReadSource(src)
	require.NoError(t, err)
	require.Len(t, convs, 2)

	assert.Equal(t, "a", convs[0].ID)
	assert.Equal(t, "<image>User: what is a GPT:<answer> it is a<|endofchunk|>", convs[0].Text)
	assert.Len(t, convs[0].Images, 1)

	assert.Equal(t, "c", convs[1].ID)
	assert.Len(t, convs[1].Images, 3, "in-context turns bring their images")
	assert.Contains(t, convs[1].Text, "what is a")
	assert.Contains(t, convs[1].Text, "what is b")
}

func TestReadSource_NoTrainConfig(t *testing.T) {
	dir := t.TempDir()
	convs, err := ReadSource(Source{Instructions: writeJSON(t, dir, "inst.json", instructions(2, false))})
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Empty(t, convs[0].Images)
	assert.NotContains(t, convs[0].Text, masking.MediaToken)
}

func TestReadSource_Errors(t *testing.T) {
	dir := t.TempDir()
	inst := writeJSON(t, dir, "inst.json", instructions(2, true))

	_, err := ReadSource(Source{Instructions: filepath.Join(dir, "missing.json")})
	assert.Error(t, err)

	_, err = ReadSource(Source{Instructions: inst})
	assert.ErrorContains(t, err, "image")

	_, err = ReadSource(Source{
		Instructions: inst,
		Images:       writeJSON(t, dir, "images.json", images(2)),
		TrainConfig:  writeJSON(t, dir, "train.json", map[string][]string{"a": {"zzz"}}),
	})
	assert.ErrorContains(t, err, "zzz")

	_, err = ReadSource(Source{
		Instructions: inst,
		Images: writeJSON(t, dir, "ragged.json", map[string][]float32{
			"img_a": {1, 2}, "img_b": {1, 2, 3},
		}),
	})
	assert.ErrorContains(t, err, "features")
}

func conversations(n int) []Conversation {
	out := make([]Conversation, n)
	for i := range out {
		out[i] = Conversation{
			ID:     string(rune('a' + i)),
			Text:   "User: q" + string(rune('a'+i)) + " GPT:<answer> yes<|endofchunk|>",
			Images: [][]float32{{float32(i), 2}},
		}
	}
	return out
}

func drain(t *testing.T, s *Stream) []trainer.Batch {
	t.Helper()
	var out []trainer.Batch
	it := s.Iterate(context.Background())
	for {
		b, err := it.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, b)
	}
}

func firstImageValues(batches []trainer.Batch) []float32 {
	var out []float32
	for _, b := range batches {
		for r := 0; r < b.Size(); r++ {
			out = append(out, b.Images.Data[r*2])
		}
	}
	return out
}

func TestStream_Batches(t *testing.T) {
	convs := conversations(5)
	convs[4].Text += " extra words here"
	v := BuildVocab(Texts(convs))

	s, err := NewStream("mimicit", convs, nil, v, StreamOptions{BatchSize: 2, WorldSize: 1, ImageDim: 2, Seed: 7})
	require.NoError(t, err)
	assert.Equal(t, "mimicit", s.Name())
	assert.Equal(t, 3, s.Len())

	batches := drain(t, s)
	require.Len(t, batches, 3)
	assert.Equal(t, 1, batches[2].Size())

	for _, b := range batches {
		assert.Equal(t, "mimicit", b.Stream)
		assert.Equal(t, []int{b.Size(), 2}, b.Images.Shape)
		width := len(b.InputIDs[0])
		for r := range b.InputIDs {
			require.Len(t, b.InputIDs[r], width)
			assert.Equal(t, v.BOSTokenID(), b.InputIDs[r][0])
			for j, a := range b.AttentionMask[r] {
				if a == 0 {
					assert.Equal(t, v.PadTokenID(), b.InputIDs[r][j])
				}
			}
		}
	}

	seen := firstImageValues(batches)
	slices.Sort(seen)
	assert.Equal(t, []float32{0, 1, 2, 3, 4}, seen)
}

func TestStream_EpochShuffle(t *testing.T) {
	convs := conversations(12)
	v := BuildVocab(Texts(convs))
	opts := StreamOptions{BatchSize: 3, WorldSize: 1, ImageDim: 2, Seed: 3}

	s, err := NewStream("s", convs, nil, v, opts)
	require.NoError(t, err)
	epoch0 := firstImageValues(drain(t, s))

	s.SetEpoch(1)
	epoch1 := firstImageValues(drain(t, s))
	assert.NotEqual(t, epoch0, epoch1)

	s.SetEpoch(0)
	assert.Equal(t, epoch0, firstImageValues(drain(t, s)), "same epoch, same order")

	other, err := NewStream("s", convs, nil, v, opts)
	require.NoError(t, err)
	assert.Equal(t, epoch0, firstImageValues(drain(t, other)), "same seed, same order")
}

func TestStream_ShardsAreDisjoint(t *testing.T) {
	convs := conversations(7)
	v := BuildVocab(Texts(convs))

	var all []float32
	for rank := 0; rank < 3; rank++ {
		s, err := NewStream("s", convs, nil, v, StreamOptions{BatchSize: 2, Rank: rank, WorldSize: 3, ImageDim: 2})
		require.NoError(t, err)
		assert.Equal(t, 2, s.Len(), "ceil(ceil(7/3)/2)")
		shard := firstImageValues(drain(t, s))
		assert.Len(t, shard, 3)
		all = append(all, shard...)
	}

	// 7 samples padded to 9 by repeating from the front of the permutation
	slices.Sort(all)
	assert.Len(t, all, 9)
	assert.Len(t, slices.Compact(all), 7)
}

func TestStream_PastSubset(t *testing.T) {
	current := conversations(4)
	past := conversations(10)
	for i := range past {
		past[i].Images = [][]float32{{float32(100 + i), 2}}
	}
	v := BuildVocab(Texts(current, past))

	s, err := NewStream("s", current, past, v, StreamOptions{BatchSize: 4, WorldSize: 1, ImageDim: 2, PastSubsetRatio: 0.5})
	require.NoError(t, err)
	assert.Equal(t, 3, s.Len(), "4 current + 5 past")

	countPast := func() int {
		n := 0
		for _, x := range firstImageValues(drain(t, s)) {
			if x >= 100 {
				n++
			}
		}
		return n
	}
	assert.Equal(t, 5, countPast())
	s.SetEpoch(4)
	assert.Equal(t, 5, countPast())

	none, err := NewStream("s", current, past, v, StreamOptions{BatchSize: 4, WorldSize: 1, ImageDim: 2})
	require.NoError(t, err)
	assert.Equal(t, 1, none.Len())
}

func TestStream_TruncatesAndAveragesImages(t *testing.T) {
	convs := []Conversation{{
		ID:     "x",
		Text:   "User: a b c d e f GPT:<answer> g<|endofchunk|>",
		Images: [][]float32{{1, 3}, {3, 5}},
	}}
	v := BuildVocab(Texts(convs))

	s, err := NewStream("s", convs, nil, v, StreamOptions{BatchSize: 1, WorldSize: 1, ImageDim: 2, MaxSeqLen: 4})
	require.NoError(t, err)
	b := drain(t, s)[0]
	assert.Len(t, b.InputIDs[0], 4)
	assert.Equal(t, []float32{2, 4}, b.Images.Data)
}

func TestStream_Invalid(t *testing.T) {
	convs := conversations(2)
	v := BuildVocab(Texts(convs))

	cases := map[string]StreamOptions{
		"batch":     {BatchSize: 0, WorldSize: 1, ImageDim: 2},
		"ratio":     {BatchSize: 1, WorldSize: 1, ImageDim: 2, PastSubsetRatio: 1.5},
		"rank":      {BatchSize: 1, WorldSize: 2, Rank: 2, ImageDim: 2},
		"image dim": {BatchSize: 1, WorldSize: 1, ImageDim: 3},
	}
	for name, opts := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewStream("s", convs, nil, v, opts)
			assert.Error(t, err)
		})
	}

	_, err := NewStream("s", nil, nil, v, StreamOptions{BatchSize: 1, WorldSize: 1, ImageDim: 2})
	assert.Error(t, err)
}

func TestIterator_Cancelled(t *testing.T) {
	convs := conversations(2)
	s, err := NewStream("s", convs, nil, BuildVocab(Texts(convs)), StreamOptions{BatchSize: 1, WorldSize: 1, ImageDim: 2})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Iterate(ctx).Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()
	specs := []StreamSpec{
		{
			Name: "mimicit",
			Current: Source{
				Instructions: writeJSON(t, dir, "inst.json", instructions(4, true)),
				Images:       writeJSON(t, dir, "images.json", images(4)),
			},
			Past: Source{
				Instructions: writeJSON(t, dir, "past.json", instructions(2, true)),
				Images:       writeJSON(t, dir, "past_images.json", images(2)),
			},
		},
		{
			Name:    "text",
			Current: Source{Instructions: writeJSON(t, dir, "text.json", instructions(3, false))},
		},
	}
	vocabPath := filepath.Join(dir, "vocab.json")

	ds, err := Open(specs, vocabPath, StreamOptions{BatchSize: 2, WorldSize: 1, PastSubsetRatio: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, ds.ImageDim)
	require.Len(t, ds.Streams, 2)
	assert.Equal(t, 3, ds.Streams[0].Len())
	assert.Equal(t, 2, ds.Streams[1].Len())
	assert.FileExists(t, vocabPath)

	// second open reuses the saved vocabulary
	again, err := Open(specs, vocabPath, StreamOptions{BatchSize: 2, WorldSize: 1})
	require.NoError(t, err)
	assert.Equal(t, ds.Vocab.Size(), again.Vocab.Size())

	_, err = Open(nil, "", StreamOptions{BatchSize: 1, WorldSize: 1})
	assert.Error(t, err)
}

func TestDataset_Shard(t *testing.T) {
	dir := t.TempDir()
	specs := []StreamSpec{{
		Name:    "mimicit",
		Current: Source{Instructions: writeJSON(t, dir, "inst.json", instructions(5, false))},
	}}

	ds, err := Open(specs, "", StreamOptions{BatchSize: 1, WorldSize: 2})
	require.NoError(t, err)

	other, err := ds.Shard(1)
	require.NoError(t, err)
	require.Len(t, other, 1)
	assert.Equal(t, ds.Streams[0].Len(), other[0].Len())

	ctx := context.Background()
	ds.Streams[0].SetEpoch(0)
	other[0].SetEpoch(0)
	first, err := ds.Streams[0].Iterate(ctx).Next(ctx)
	require.NoError(t, err)
	second, err := other[0].Iterate(ctx).Next(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, first.InputIDs, second.InputIDs)

	_, err = ds.Shard(2)
	assert.Error(t, err)
}

func TestDataset_ShardReusesTokenCache(t *testing.T) {
	dir := t.TempDir()
	specs := []StreamSpec{{
		Name:    "mimicit",
		Current: Source{Instructions: writeJSON(t, dir, "inst.json", instructions(5, false))},
	}}

	ds, err := Open(specs, "", StreamOptions{BatchSize: 1, WorldSize: 2})
	require.NoError(t, err)
	tc := ds.opts.TokenCache
	require.NotNil(t, tc)
	assert.Equal(t, 5, tc.Len())
	assert.Equal(t, int64(0), tc.Stats().Hits)

	_, err = ds.Shard(1)
	require.NoError(t, err)
	assert.Equal(t, int64(5), tc.Stats().Hits)
	assert.Equal(t, 5, tc.Len())
}
