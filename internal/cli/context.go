package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/LisaHo0104/canvas-chatbot-Gemini-sub004/internal/assembler"
	"github.com/LisaHo0104/canvas-chatbot-Gemini-sub004/internal/client"
	"github.com/LisaHo0104/canvas-chatbot-Gemini-sub004/internal/config"
	"github.com/LisaHo0104/canvas-chatbot-Gemini-sub004/internal/conversation"
	"github.com/LisaHo0104/canvas-chatbot-Gemini-sub004/internal/models"
	"github.com/LisaHo0104/canvas-chatbot-Gemini-sub004/internal/service"
	"github.com/LisaHo0104/canvas-chatbot-Gemini-sub004/internal/tokens"
)

var (
	contextTranscript string
	contextWithGraph  bool
)

var contextCmd = &cobra.Command{
	Use:   "context <message>",
	Short: "Assemble the prompt context for a message",
	Long: `Assemble the context for the next user message from a conversation
transcript.

The transcript is YAML with an optional summary and a list of turns:

  summary: Student is preparing for the week 3 quiz.
  turns:
    - role: user
      content: What does week 2 cover?
    - role: assistant
      content: Recursion and the call stack.

Use "-" to read the transcript from stdin. Locally the history window and
token budget follow the environment configuration; --graph prefetches the
user's Canvas material first so the excerpt is included. With --server the
turns are replayed into a new server conversation (the server keeps its own
summary) and the server assembles the context.

Examples:
  studyctx context -t chat.yaml "When is assignment 1 due?"
  cat chat.yaml | studyctx context -t - --graph "Summarize week 2"
  studyctx context -t chat.yaml -o json "hi again"`,
	Args: cobra.ExactArgs(1),
	RunE: runContext,
}

func init() {
	contextCmd.Flags().StringVarP(&contextTranscript, "transcript", "t", "", "YAML transcript file, - for stdin")
	contextCmd.Flags().BoolVar(&contextWithGraph, "graph", false, "prefetch the Canvas graph and include an excerpt")
}

// transcript is the YAML conversation input of the context command.
type transcript struct {
	Summary string           `yaml:"summary"`
	Turns   []transcriptTurn `yaml:"turns"`
}

type transcriptTurn struct {
	Role    models.Role `yaml:"role"`
	Content string      `yaml:"content"`
}

func loadTranscript(r io.Reader) (transcript, error) {
	var t transcript
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&t); err != nil && !errors.Is(err, io.EOF) {
		return transcript{}, fmt.Errorf("parse transcript: %w", err)
	}
	for i, turn := range t.Turns {
		if !turn.Role.Valid() {
			return transcript{}, fmt.Errorf("transcript turn %d: unknown role %q", i+1, turn.Role)
		}
		if strings.TrimSpace(turn.Content) == "" {
			return transcript{}, fmt.Errorf("transcript turn %d: empty content", i+1)
		}
	}
	return t, nil
}

func readTranscript(path string) (transcript, error) {
	switch path {
	case "":
		return transcript{}, nil
	case "-":
		return loadTranscript(os.Stdin)
	}
	f, err := os.Open(path)
	if err != nil {
		return transcript{}, fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()
	return loadTranscript(f)
}

// windowState replays t through a history window with the configured limits.
func windowState(t transcript, b config.Budget) models.ConversationState {
	sess := conversation.NewSession("transcript", localUser, conversation.Limits{
		MaxTurns:     b.MaxHistoryTurns,
		MaxPartChars: b.MaxPartChars,
	})
	for _, turn := range t.Turns {
		sess.Append(turn.Role, turn.Content)
	}
	state := sess.State()
	state.Summary = strings.TrimSpace(t.Summary)
	return state
}

func runContext(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	message := args[0]

	t, err := readTranscript(contextTranscript)
	if err != nil {
		return err
	}

	var ac *models.AssembledContext
	if c, ok := remote(); ok {
		ac, err = contextRemote(ctx, c, t, message)
	} else {
		ac, err = contextLocal(ctx, t, message)
	}
	if err != nil {
		return err
	}

	return render(os.Stdout, ac, func(w io.Writer) error {
		_, err := io.WriteString(w, assembler.Render(ac))
		return err
	})
}

func contextLocal(ctx context.Context, t transcript, message string) (*models.AssembledContext, error) {
	est, err := tokens.New(cfg.TokenEstimator)
	if err != nil {
		return nil, err
	}
	asm := assembler.New(est, assembler.LimitsFromBudget(cfg.Budget),
		assembler.WithLogger(config.Component(logger, "assembler")))

	var g *models.EntityGraph
	if contextWithGraph {
		g, err = prefetchGraph(ctx)
		if err != nil {
			return nil, err
		}
	}
	return asm.Assemble(windowState(t, cfg.Budget), g, message)
}

func prefetchGraph(ctx context.Context) (*models.EntityGraph, error) {
	engine, err := service.NewFromConfig(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = engine.Close(closeCtx)
	}()

	uid := userID
	if uid == "" {
		uid = localUser
	}
	res, err := engine.Prefetch(ctx, uid, 0)
	if err != nil {
		return nil, fmt.Errorf("prefetch: %w", err)
	}
	return res.Graph, nil
}

func contextRemote(ctx context.Context, c *client.Client, t transcript, message string) (*models.AssembledContext, error) {
	if t.Summary != "" {
		logger.Warn("transcript summary is ignored with --server; the server maintains its own")
	}
	id, err := c.NewConversation(ctx)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	for _, turn := range t.Turns {
		res, err := c.AppendTurn(ctx, id, turn.Role, turn.Content)
		if err != nil {
			return nil, fmt.Errorf("append turn: %w", err)
		}
		if res.SummaryError != "" {
			logger.Warn("summary refresh skipped", "conversation_id", id, "error", res.SummaryError)
		}
	}
	return c.Context(ctx, id, message)
}
