package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jguan/vitune/pkg/data"
	"github.com/jguan/vitune/pkg/masking"
)

type maskedToken struct {
	Pos        int    `json:"pos" yaml:"pos"`
	Token      string `json:"token" yaml:"token"`
	ID         int32  `json:"id" yaml:"id"`
	Label      int32  `json:"label" yaml:"label"`
	Supervised bool   `json:"supervised" yaml:"supervised"`
}

func NewMaskCommand(root *RootCommand) *cobra.Command {
	var vocabPath string

	cmd := &cobra.Command{
		Use:   "mask TEXT",
		Short: "Show which tokens of a conversation are supervised",
		Long: `Tokenize a conversation the way training does (a leading BOS token,
structural markers split out) and print the label of every position.
Positions labelled -100 do not contribute to the loss.`,
		Example: `  vitune mask '<image>User: what is it? GPT:<answer> a cat<|endofchunk|>'`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args, " ")
			if vocabPath == "" {
				vocabPath = root.Config().Model.Vocab
			}
			vocab, err := maskVocab(vocabPath, text)
			if err != nil {
				return err
			}
			rows, err := maskText(vocab, text)
			if err != nil {
				return err
			}

			opts := root.OutputOptions()
			if err := PrintOutput(rows, opts); err != nil {
				return err
			}
			if opts.Format == OutputTable && !opts.Quiet {
				n := 0
				for _, r := range rows {
					if r.Supervised {
						n++
					}
				}
				fmt.Fprintf(opts.Writer, "\n%d of %d positions supervised\n", n, len(rows))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&vocabPath, "vocab", "", "Vocabulary file; built from TEXT when missing")
	return cmd
}

func maskVocab(path, text string) (*data.Vocab, error) {
	if path != "" {
		v, err := data.LoadVocab(path)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}
	return data.BuildVocab([]string{text}), nil
}

func maskText(vocab *data.Vocab, text string) ([]maskedToken, error) {
	markers, err := masking.ResolveMarkers(vocab)
	if err != nil {
		return nil, err
	}
	ids := append([]int32{vocab.BOSTokenID()}, vocab.Encode(text)...)
	labels := masking.Mask(ids, markers)

	rows := make([]maskedToken, len(ids))
	for i, id := range ids {
		rows[i] = maskedToken{
			Pos:        i,
			Token:      vocab.Token(id),
			ID:         id,
			Label:      labels[i],
			Supervised: labels[i] != masking.Ignore,
		}
	}
	return rows, nil
}
