package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"roomrelay/pkg/classify"
	"roomrelay/pkg/config"
	"roomrelay/pkg/dedup"
	"roomrelay/pkg/event"

	"github.com/spf13/cobra"
)

const defaultSender = "viewer"

var (
	classifySender string
	classifyRoom   string
)

// classifyCmd dry-runs classification and dedup against typed chat lines.
var classifyCmd = &cobra.Command{
	Use:   "classify [message]",
	Short: "Classify chat lines without connecting to a room",
	Long: "Runs messages through the configured classifier and duplicate filter and prints the verdicts.\n" +
		"Reads one message from the arguments, or one per line from stdin. A line of the form sender|text sets the sender.",
	Run: func(cmd *cobra.Command, args []string) {
		classifier, filter, err := loadClassification()
		if err != nil {
			fmt.Printf("failed to configure classifier: %v\n", err)
			return
		}

		lines := resolveMessages(args, os.Stdin)
		if err := classifyLines(cmd.OutOrStdout(), classifier, filter, lines, time.Now); err != nil {
			fmt.Printf("classify failed: %v\n", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(classifyCmd)
	classifyCmd.Flags().StringVarP(&classifySender, "sender", "s", defaultSender, "sender id for lines without one")
	classifyCmd.Flags().StringVarP(&classifyRoom, "room", "r", "cli", "room id stamped on events")
}

// loadClassification uses config.json when present and built-in defaults otherwise.
func loadClassification() (*classify.Classifier, *dedup.Filter, error) {
	pipelineCfg := config.DefaultPipeline()
	classifier := classify.Default()

	if cfg, err := config.LoadConfig(); err == nil {
		pipelineCfg = cfg.Pipeline.WithDefaults()
		classifier, err = classify.New(cfg.Classifier)
		if err != nil {
			return nil, nil, err
		}
	}

	filter, err := dedup.New(dedup.Options{
		Window:      pipelineCfg.DedupWindow(),
		HistorySize: pipelineCfg.DedupHistorySize,
		MaxSenders:  pipelineCfg.DedupMaxSenders,
	})
	if err != nil {
		return nil, nil, err
	}

	return classifier, filter, nil
}

func resolveMessages(args []string, stdin io.Reader) []string {
	if value := strings.TrimSpace(strings.Join(args, " ")); value != "" {
		return []string{value}
	}
	if stdin == nil {
		return nil
	}

	var lines []string
	scanner := bufio.NewScanner(stdin)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}

	return lines
}

func splitSender(line string) (string, string) {
	sender, text, found := strings.Cut(line, "|")
	if !found || strings.TrimSpace(sender) == "" {
		return classifySenderOrDefault(), strings.TrimSpace(line)
	}

	return strings.TrimSpace(sender), strings.TrimSpace(text)
}

func classifySenderOrDefault() string {
	if value := strings.TrimSpace(classifySender); value != "" {
		return value
	}
	return defaultSender
}

func classifyLines(w io.Writer, classifier *classify.Classifier, filter *dedup.Filter, lines []string, now func() time.Time) error {
	room := strings.TrimSpace(classifyRoom)
	if room == "" {
		room = "cli"
	}

	for i, line := range lines {
		sender, text := splitSender(line)
		at := now()
		ev := event.New(fmt.Sprintf("cli-%d", i+1), room, sender, sender, event.Chat{Content: text}, at, at)

		classified, err := classifier.Classify(ev)
		if err != nil {
			return fmt.Errorf("classify line %d: %w", i+1, err)
		}

		verdict := "admit"
		if !filter.Admit(classified) {
			verdict = "duplicate"
		}

		if _, err := fmt.Fprintf(w, "%-9s %-10s %-6s %-10s %s\n", verdict, string(classified.Category), classified.Priority.String(), sender, text); err != nil {
			return err
		}
	}

	return nil
}
