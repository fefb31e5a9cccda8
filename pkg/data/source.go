package data

import (
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/jguan/vitune/pkg/masking"
)

// Source names the three files of one instruction dataset.
type Source struct {
	// Instructions is the instruction JSON: {"data": {id: {...}}}.
	Instructions string
	// Images maps image ids to feature vectors. Optional for text-only data.
	Images string
	// TrainConfig maps each training id to its in-context example ids.
	// When empty every instruction id is trained on without context.
	TrainConfig string
}

func (s Source) Empty() bool { return s.Instructions == "" }

type instruction struct {
	Instruction string   `json:"instruction"`
	Answer      string   `json:"answer"`
	ImageIDs    []string `json:"image_ids"`
}

type instructionFile struct {
	Data map[string]instruction `json:"data"`
}

// Conversation is one training example before tokenization: in-context turns
// followed by the query turn.
type Conversation struct {
	ID     string
	Text   string
	Images [][]float32
}

// ReadSource loads the conversations of src ordered by id.
func ReadSource(src Source) ([]Conversation, error) {
	var inst instructionFile
	if err := readJSON(src.Instructions, &inst); err != nil {
		return nil, err
	}

	images := map[string][]float32{}
	if src.Images != "" {
		if err := readJSON(src.Images, &images); err != nil {
			return nil, err
		}
	}

	var incontext map[string][]string
	if src.TrainConfig != "" {
		if err := readJSON(src.TrainConfig, &incontext); err != nil {
			return nil, err
		}
	} else {
		incontext = make(map[string][]string, len(inst.Data))
		for id := range inst.Data {
			incontext[id] = nil
		}
	}

	ids := make([]string, 0, len(incontext))
	for id := range incontext {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	dim := -1
	out := make([]Conversation, 0, len(ids))
	for _, id := range ids {
		turns := append(slices.Clone(incontext[id]), id)
		conv := Conversation{ID: id}
		var b strings.Builder
		for _, turnID := range turns {
			turn, ok := inst.Data[turnID]
			if !ok {
				return nil, fmt.Errorf("%s: instruction %q not found", src.Instructions, turnID)
			}
			for _, imgID := range turn.ImageIDs {
				feat, ok := images[imgID]
				if !ok {
					return nil, fmt.Errorf("%s: image %q of %q not found", src.Images, imgID, turnID)
				}
				if dim == -1 {
					dim = len(feat)
				} else if len(feat) != dim {
					return nil, fmt.Errorf("%s: image %q has %d features, want %d", src.Images, imgID, len(feat), dim)
				}
				conv.Images = append(conv.Images, feat)
				b.WriteString(masking.MediaToken)
			}
			fmt.Fprintf(&b, "User: %s GPT:%s %s%s ", turn.Instruction, masking.AnswerToken, turn.Answer, masking.TurnEndToken)
		}
		conv.Text = strings.TrimSpace(b.String())
		out = append(out, conv)
	}
	return out, nil
}

func readJSON(path string, v any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// Texts returns the text of every conversation, for building a vocabulary.
func Texts(convs ...[]Conversation) []string {
	var out []string
	for _, cs := range convs {
		for _, c := range cs {
			out = append(out, c.Text)
		}
	}
	return out
}
