package data

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"

	"github.com/cespare/xxhash/v2"

	"github.com/jguan/vitune/pkg/infra/cache"
	"github.com/jguan/vitune/pkg/tensor"
	"github.com/jguan/vitune/pkg/trainer"
)

type StreamOptions struct {
	BatchSize int
	// MaxSeqLen truncates tokenized conversations. 0 disables truncation.
	MaxSeqLen int
	// PastSubsetRatio is the share of past examples resampled each epoch.
	PastSubsetRatio float64
	Seed            int64
	Rank            int
	WorldSize       int
	// ImageDim is the feature width of the image input.
	ImageDim int
	// TokenCache memoizes tokenization by text across streams and shards.
	// Every stream sharing it must use the same vocabulary.
	TokenCache *cache.Cache[uint64, []int32]
}

func (o StreamOptions) validate() error {
	if o.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", o.BatchSize)
	}
	if o.PastSubsetRatio < 0 || o.PastSubsetRatio > 1 {
		return fmt.Errorf("past subset ratio must be within [0, 1], got %g", o.PastSubsetRatio)
	}
	if o.WorldSize <= 0 || o.Rank < 0 || o.Rank >= o.WorldSize {
		return fmt.Errorf("rank %d out of range for world size %d", o.Rank, o.WorldSize)
	}
	if o.ImageDim <= 0 {
		return fmt.Errorf("image dim must be positive, got %d", o.ImageDim)
	}
	return nil
}

type example struct {
	tokens []int32
	image  []float32
}

// Stream serves right-padded batches of one dataset to one worker. Every
// epoch draws a fresh subset of the past examples and reshuffles; all
// workers compute the same permutation and take disjoint shards of it.
type Stream struct {
	name     string
	opts     StreamOptions
	pad      int32
	current  []example
	past     []example
	pastTake int
	perRank  int
	order    []int
}

// NewStream tokenizes current and past conversations with vocab.
func NewStream(name string, current, past []Conversation, vocab *Vocab, opts StreamOptions) (*Stream, error) {
	if err := opts.validate(); err != nil {
		return nil, fmt.Errorf("stream %s: %w", name, err)
	}
	if len(current) == 0 {
		return nil, fmt.Errorf("stream %s: no training examples", name)
	}

	s := &Stream{name: name, opts: opts, pad: vocab.PadTokenID()}
	var err error
	if s.current, err = s.encode(current, vocab); err != nil {
		return nil, err
	}
	if s.past, err = s.encode(past, vocab); err != nil {
		return nil, err
	}

	s.pastTake = int(opts.PastSubsetRatio * float64(len(s.past)))
	total := len(s.current) + s.pastTake
	s.perRank = (total + opts.WorldSize - 1) / opts.WorldSize
	s.SetEpoch(0)
	return s, nil
}

func (s *Stream) encode(convs []Conversation, vocab *Vocab) ([]example, error) {
	encode := vocab.Encode
	if tc := s.opts.TokenCache; tc != nil {
		encode = func(text string) []int32 {
			return tc.GetOrAdd(xxhash.Sum64String(text), func() []int32 { return vocab.Encode(text) })
		}
	}

	out := make([]example, len(convs))
	for i, c := range convs {
		tokens := append([]int32{vocab.BOSTokenID()}, encode(c.Text)...)
		if s.opts.MaxSeqLen > 0 && len(tokens) > s.opts.MaxSeqLen {
			tokens = tokens[:s.opts.MaxSeqLen]
		}

		image := make([]float32, s.opts.ImageDim)
		for _, feat := range c.Images {
			if len(feat) != s.opts.ImageDim {
				return nil, fmt.Errorf("stream %s: %s has image width %d, want %d", s.name, c.ID, len(feat), s.opts.ImageDim)
			}
			for j, v := range feat {
				image[j] += v / float32(len(c.Images))
			}
		}
		out[i] = example{tokens: tokens, image: image}
	}
	return out, nil
}

func (s *Stream) Name() string { return s.name }

// Len is the number of batches this worker reads per epoch. It does not
// change between epochs.
func (s *Stream) Len() int {
	return (s.perRank + s.opts.BatchSize - 1) / s.opts.BatchSize
}

// SetEpoch fixes the sample order for epoch.
func (s *Stream) SetEpoch(epoch int) {
	rng := rand.New(rand.NewPCG(uint64(s.opts.Seed), uint64(epoch)))

	pool := make([]int, 0, len(s.current)+s.pastTake)
	for i := range s.current {
		pool = append(pool, i)
	}
	if s.pastTake > 0 {
		for _, j := range rng.Perm(len(s.past))[:s.pastTake] {
			pool = append(pool, len(s.current)+j)
		}
	}
	rng.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })

	// repeat from the front so every worker gets perRank samples
	total := s.perRank * s.opts.WorldSize
	for i := 0; len(pool) < total; i++ {
		pool = append(pool, pool[i])
	}

	order := make([]int, 0, s.perRank)
	for i := s.opts.Rank; i < total; i += s.opts.WorldSize {
		order = append(order, pool[i])
	}
	s.order = order
}

func (s *Stream) example(i int) example {
	if i < len(s.current) {
		return s.current[i]
	}
	return s.past[i-len(s.current)]
}

func (s *Stream) Iterate(ctx context.Context) trainer.Iterator {
	return &iterator{s: s, order: s.order}
}

type iterator struct {
	s     *Stream
	order []int
	pos   int
}

func (it *iterator) Next(ctx context.Context) (trainer.Batch, error) {
	if err := ctx.Err(); err != nil {
		return trainer.Batch{}, err
	}
	if it.pos >= len(it.order) {
		return trainer.Batch{}, io.EOF
	}

	end := min(it.pos+it.s.opts.BatchSize, len(it.order))
	idx := it.order[it.pos:end]
	it.pos = end

	width := 0
	for _, i := range idx {
		width = max(width, len(it.s.example(i).tokens))
	}

	dim := it.s.opts.ImageDim
	b := trainer.Batch{
		Stream:        it.s.name,
		InputIDs:      make([][]int32, len(idx)),
		AttentionMask: make([][]int32, len(idx)),
		Images:        tensor.New(len(idx), dim),
	}
	for r, i := range idx {
		ex := it.s.example(i)
		ids := make([]int32, width)
		attn := make([]int32, width)
		for j := range ids {
			if j < len(ex.tokens) {
				ids[j] = ex.tokens[j]
				attn[j] = 1
			} else {
				ids[j] = it.s.pad
			}
		}
		b.InputIDs[r] = ids
		b.AttentionMask[r] = attn
		copy(b.Images.Data[r*dim:(r+1)*dim], ex.image)
	}
	return b, nil
}

var _ trainer.Stream = (*Stream)(nil)
