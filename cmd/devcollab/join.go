package main

import (
	"fmt"
	"io"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"pkt.systems/devcollab/internal/appconfig"
	"pkt.systems/devcollab/schema"
	"pkt.systems/devcollab/session"
	"pkt.systems/pslog"
)

func newJoinCmd() *cobra.Command {
	var cfgPath string
	var room string
	var name string
	var url string
	cmd := &cobra.Command{
		Use:   "join",
		Short: "Join a collaboration room as a headless participant",
		Long: "Join connects to the coordinator and follows a room: roster changes,\n" +
			"typing, language selection, and execution output are printed as they\n" +
			"arrive. Coordinator URL and display name default to the client section\n" +
			"of the config file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(room) == "" {
				return fmt.Errorf("%w: --room is required", schema.ErrInvalidRoom)
			}
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			if url == "" {
				url = cfg.Client.URL
			}
			if name == "" {
				name = cfg.Client.Name
			}
			if strings.TrimSpace(name) == "" {
				return fmt.Errorf("%w: set --name or client.name in the config", schema.ErrInvalidName)
			}

			agent, err := session.New(session.Config{
				URL:      url,
				Room:     schema.RoomID(room),
				Name:     schema.DisplayName(name),
				Service:  cfg.Service.Schema(),
				Notifier: &printNotifier{out: cmd.OutOrStdout()},
				Logger:   pslog.Ctx(cmd.Context()),
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				agent.Leave()
			}()
			if err := agent.Join(ctx); err != nil {
				return err
			}
			return agent.Wait()
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVarP(&room, "room", "r", "", "room id to join")
	cmd.Flags().StringVarP(&name, "name", "n", "", "display name (overrides config)")
	cmd.Flags().StringVarP(&url, "url", "u", "", "coordinator websocket URL (overrides config)")
	return cmd
}

// printNotifier renders session events as plain lines for the headless
// join command. Methods arrive from the agent's receive loop; the mutex
// keeps interleaved lines whole.
type printNotifier struct {
	mu  sync.Mutex
	out io.Writer
}

func (p *printNotifier) line(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, format+"\n", args...)
}

func (p *printNotifier) OnRoster(participants []schema.Participant) {
	names := make([]string, 0, len(participants))
	for _, part := range participants {
		names = append(names, string(part.Name))
	}
	p.line("participants: %s", strings.Join(names, ", "))
}

func (p *printNotifier) OnPeerJoined(name schema.DisplayName) {
	p.line("%s joined the room", name)
}

func (p *printNotifier) OnPeerLeft(name schema.DisplayName) {
	p.line("%s left the room", name)
}

func (p *printNotifier) OnTyping(name schema.DisplayName) {
	if name == "" {
		return
	}
	p.line("%s is typing", name)
}

func (p *printNotifier) OnLanguage(language schema.LanguageTag) {
	p.line("language changed to %s", language)
}

func (p *printNotifier) OnTerminal(text string) {
	p.line("%s", text)
}

func (p *printNotifier) OnExecutionDone(request schema.RequestID) {
	p.line("execution %d finished", request)
}
