package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	var (
		server  string
		timeout time.Duration
	)
	defServer := os.Getenv("IPAGENT_SERVER")
	if defServer == "" {
		defServer = "http://localhost:3210"
	}

	root := &cobra.Command{
		Use:   "preview",
		Short: "Inspect composed prompts on an ipagent server",
		Long: `preview talks to a running ipagent server. It lists skills and agents,
shows the system prompt an agent would send, and chats with an agent.

Examples:
  preview skills
  preview compose nuka "write a xiaohongshu post"
  preview render --skill brand_voice --skill video_script --var brand_name=Nuka --family openai
  preview chat nuka`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&server, "server", "s", defServer, "ipagent server URL")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 65*time.Second, "request timeout")

	api := func() *client { return newClient(server, timeout) }
	root.AddCommand(
		newSkillsCmd(api),
		newAgentsCmd(api),
		newComposeCmd(api),
		newRenderCmd(api),
		newChatCmd(api),
	)
	return root
}

func newSkillsCmd(api func() *client) *cobra.Command {
	return &cobra.Command{
		Use:   "skills",
		Short: "List skills",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			skills, err := api().skills(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTATUS\tPRIORITY\tCATEGORY\tNAME")
			for _, s := range skills {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", s.ID, s.Status, s.Priority, s.Category, s.Name)
			}
			return tw.Flush()
		},
	}
}

func newAgentsCmd(api func() *client) *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			agents, err := api().agents(cmd.Context())
			if err != nil {
				return err
			}
			if len(agents) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No agents registered yet.")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tMODE\tMODEL\tSKILLS\tNAME")
			for _, a := range agents {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", a.ID, a.Mode, a.Model, strings.Join(a.SkillIDs, ","), a.Name)
			}
			return tw.Flush()
		},
	}
}

func newComposeCmd(api func() *client) *cobra.Command {
	return &cobra.Command{
		Use:   "compose <agent-id> [user input]",
		Short: "Show the system prompt an agent would use for a message",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := api().compose(cmd.Context(), args[0], strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			printComposition(cmd.OutOrStdout(), res)
			return nil
		},
	}
}

func newRenderCmd(api func() *client) *cobra.Command {
	var p previewParams
	cmd := &cobra.Command{
		Use:   "render",
		Short: "Compose an ad-hoc list of skills without an agent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if len(p.SkillIDs) == 0 {
				return fmt.Errorf("at least one --skill is required")
			}
			res, err := api().preview(cmd.Context(), p)
			if err != nil {
				return err
			}
			printComposition(cmd.OutOrStdout(), res)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringSliceVar(&p.SkillIDs, "skill", nil, "skill id, repeatable, in prompt order")
	f.StringToStringVar(&p.Defaults, "var", nil, "variable binding name=value, repeatable")
	f.StringVar(&p.UserInput, "input", "", "user message, also used for routing")
	f.BoolVar(&p.RoutingEnabled, "route", false, "select skills by relevance to --input")
	f.StringVar(&p.ModelFamily, "family", "", "model family for token estimates")
	f.StringVar(&p.Model, "model", "", "model name, used when --family is empty")
	f.IntVar(&p.MaxTokens, "max-tokens", 0, "token budget for the composed prompt")
	return cmd
}

func newChatCmd(api func() *client) *cobra.Command {
	return &cobra.Command{
		Use:   "chat <agent-id>",
		Short: "Chat with an agent interactively",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return chatLoop(cmd, api(), args[0])
		},
	}
}

func chatLoop(cmd *cobra.Command, c *client, agentID string) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Chatting with %s. Type 'exit' or 'quit' to leave, /prompt to show the last composed prompt.\n---\n", agentID)

	var last string
	scanner := bufio.NewScanner(cmd.InOrStdin())
	for {
		fmt.Fprint(out, "\n> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		input := strings.TrimSpace(scanner.Text())
		switch input {
		case "":
			continue
		case "exit", "quit":
			fmt.Fprintln(out, "Bye!")
			return nil
		case "/prompt":
			if last == "" {
				fmt.Fprintln(out, "Nothing sent yet.")
				continue
			}
			res, err := c.compose(cmd.Context(), agentID, last)
			if err != nil {
				printError(cmd.ErrOrStderr(), err)
				continue
			}
			printComposition(out, res)
			continue
		}

		reply, err := c.chat(cmd.Context(), agentID, input)
		if err != nil {
			printError(cmd.ErrOrStderr(), err)
			continue
		}
		last = input
		fmt.Fprintf(out, "\033[36m[%s]\033[0m %s\n", reply.AgentID, reply.Content)
		fmt.Fprintf(out, "\033[90m(skills: %s, prompt tokens: %d)\033[0m\n", strings.Join(reply.SkillsUsed, ","), reply.PromptTokens)
	}
}

func printComposition(w io.Writer, c *composition) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SKILL\tSTATUS\tTOKENS\tDETAIL")
	for _, s := range c.Statuses {
		detail := s.Error
		if detail == "" && len(s.Missing) > 0 {
			detail = "missing: " + strings.Join(s.Missing, ",")
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", s.ID, s.Status, s.Tokens, detail)
	}
	tw.Flush()

	fmt.Fprintf(w, "\nestimated tokens: %d", c.Tokens)
	if c.ModelFamily != "" {
		fmt.Fprintf(w, " (%s)", c.ModelFamily)
	}
	if c.ExactTokens != nil {
		fmt.Fprintf(w, ", exact: %d via %s", *c.ExactTokens, c.Counter)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "---")
	fmt.Fprintln(w, c.Prompt)
}

func printError(w io.Writer, err error) {
	fmt.Fprintf(w, "\033[31m%v\033[0m\n", err)
}
