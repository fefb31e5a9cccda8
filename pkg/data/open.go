package data

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/jguan/vitune/pkg/infra/cache"
	"github.com/jguan/vitune/pkg/infra/logger"
)

// StreamSpec is one configured stream with its optional past source.
type StreamSpec struct {
	Name    string
	Current Source
	Past    Source
}

type loaded struct{ current, past []Conversation }

// Dataset is everything the trainer reads.
type Dataset struct {
	// Streams are the shards of opts.Rank.
	Streams  []*Stream
	Vocab    *Vocab
	ImageDim int

	specs []StreamSpec
	data  []loaded
	opts  StreamOptions
}

// Open reads every source, loads the vocabulary at vocabPath (building and
// saving it there when the file does not exist yet) and builds the streams.
// opts.ImageDim is inferred from the data when zero.
func Open(specs []StreamSpec, vocabPath string, opts StreamOptions) (*Dataset, error) {
	if len(specs) == 0 {
		return nil, errors.New("no data streams configured")
	}

	all := make([]loaded, len(specs))
	for i, spec := range specs {
		var err error
		if all[i].current, err = ReadSource(spec.Current); err != nil {
			return nil, fmt.Errorf("stream %s: %w", spec.Name, err)
		}
		if !spec.Past.Empty() {
			if all[i].past, err = ReadSource(spec.Past); err != nil {
				return nil, fmt.Errorf("stream %s past: %w", spec.Name, err)
			}
		}
		if opts.ImageDim == 0 {
			opts.ImageDim = imageDim(all[i].current, all[i].past)
		}
	}
	if opts.ImageDim == 0 {
		opts.ImageDim = 1
	}

	vocab, err := openVocab(vocabPath, func() []string {
		var texts []string
		for _, l := range all {
			texts = append(texts, Texts(l.current, l.past)...)
		}
		return texts
	})
	if err != nil {
		return nil, err
	}

	if opts.TokenCache == nil {
		n := 0
		for _, l := range all {
			n += len(l.current) + len(l.past)
		}
		if opts.TokenCache, err = cache.New[uint64, []int32](max(n, 1)); err != nil {
			return nil, err
		}
	}

	ds := &Dataset{Vocab: vocab, ImageDim: opts.ImageDim, specs: specs, data: all, opts: opts}
	if ds.Streams, err = ds.Shard(opts.Rank); err != nil {
		return nil, err
	}
	for i, s := range ds.Streams {
		logger.Info("data stream ready",
			"stream", s.Name(),
			"examples", len(all[i].current),
			"past_examples", len(all[i].past),
			"batches", s.Len(),
		)
	}
	return ds, nil
}

// Shard builds the streams a given rank reads. The sources are shared, not
// re-read.
func (d *Dataset) Shard(rank int) ([]*Stream, error) {
	opts := d.opts
	opts.Rank = rank
	streams := make([]*Stream, 0, len(d.specs))
	for i, spec := range d.specs {
		s, err := NewStream(spec.Name, d.data[i].current, d.data[i].past, d.Vocab, opts)
		if err != nil {
			return nil, fmt.Errorf("stream %s rank %d: %w", spec.Name, rank, err)
		}
		streams = append(streams, s)
	}
	if tc := opts.TokenCache; tc != nil {
		st := tc.Stats()
		logger.Debug("token cache", "rank", rank, "hits", st.Hits, "misses", st.Misses, "entries", st.Size)
	}
	return streams, nil
}

func openVocab(path string, texts func() []string) (*Vocab, error) {
	if path != "" {
		v, err := LoadVocab(path)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	v := BuildVocab(texts())
	if path != "" {
		if err := v.Save(path); err != nil {
			return nil, fmt.Errorf("save vocab: %w", err)
		}
		logger.Info("vocabulary built", "path", path, "size", v.Size())
	}
	return v, nil
}

func imageDim(convs ...[]Conversation) int {
	for _, cs := range convs {
		for _, c := range cs {
			if len(c.Images) > 0 {
				return len(c.Images[0])
			}
		}
	}
	return 0
}
