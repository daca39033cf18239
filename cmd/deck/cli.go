package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/shinyes/yep_deck/pkg/config"
	"github.com/shinyes/yep_deck/pkg/deck"
)

func printBanner(out io.Writer, cfg *config.Config, userID string) {
	role := "audience"
	if cfg.Speaker {
		role = "speaker"
	}
	fmt.Fprintln(out, "yep_deck live slides")
	fmt.Fprintf(out, "room:     %s\n", cfg.Room)
	fmt.Fprintf(out, "user id:  %s\n", userID)
	fmt.Fprintf(out, "role:     %s\n", role)
	fmt.Fprintf(out, "backend:  %s\n", cfg.Backend)
	fmt.Fprintf(out, "slides:   %d\n", len(cfg.Slides))
}

func printHelp(out io.Writer) {
	fmt.Fprintln(out, "\nCommands:")
	fmt.Fprintln(out, "  help")
	fmt.Fprintln(out, "  next [n]          move forward")
	fmt.Fprintln(out, "  prev [n]          move back")
	fmt.Fprintln(out, "  follow            jump to the speaker's slide")
	fmt.Fprintln(out, "  like              like or unlike the current slide")
	fmt.Fprintln(out, "  ask <text>        ask the speaker a question")
	fmt.Fprintln(out, "  upvote <id>       upvote a question")
	fmt.Fprintln(out, "  questions")
	fmt.Fprintln(out, "  status")
	fmt.Fprintln(out, "  quit")
}

func printStatus(out io.Writer, st deck.Status) {
	if !st.Ready {
		fmt.Fprintln(out, "connecting...")
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[%d/%d] %s", st.Index+1, st.LastIndex+1, st.Slide)
	if !st.Speaker && !st.Following {
		b.WriteString(" (not following)")
	}
	fmt.Fprintf(&b, "  likes=%d", st.Likes)
	if st.Liked {
		b.WriteString(" (liked)")
	}
	if st.Connected {
		fmt.Fprintf(&b, "  online=%d", st.Online)
	} else {
		fmt.Fprintf(&b, "  offline (%d)", st.Online)
	}
	if st.DeckURL != "" {
		fmt.Fprintf(&b, "  %s", st.DeckURL)
	}
	if st.LastQuestion != "" {
		fmt.Fprintf(&b, "  last question: %q", st.LastQuestion)
	}
	fmt.Fprintln(out, b.String())
}

func printQuestions(out io.Writer, qs []deck.QuestionView) {
	if len(qs) == 0 {
		fmt.Fprintln(out, "no questions yet")
		return
	}
	for _, q := range qs {
		mark := " "
		if q.CanUpvote {
			mark = "+"
		}
		fmt.Fprintf(out, "%s %3d  %s  %s\n", mark, q.Upvotes, q.ID, q.Text)
	}
}

func parseSteps(parts []string, usage string) (int, error) {
	if len(parts) < 2 {
		return 1, nil
	}
	n, err := strconv.Atoi(parts[1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("usage: %s", usage)
	}
	return n, nil
}

func handleCommand(a *app, line string) (bool, error) {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return false, nil
	}

	s := a.session
	cmd := strings.ToLower(parts[0])

	switch cmd {
	case "help":
		printHelp(a.out)
		return false, nil

	case "next", "n":
		n, err := parseSteps(parts, "next [n]")
		if err != nil {
			return false, err
		}
		s.ChangeSlide(n)
		return false, nil

	case "prev", "p":
		n, err := parseSteps(parts, "prev [n]")
		if err != nil {
			return false, err
		}
		s.ChangeSlide(-n)
		return false, nil

	case "follow":
		s.FollowSpeaker()
		return false, nil

	case "like":
		s.ToggleLike()
		return false, nil

	case "ask":
		text := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), parts[0]))
		q, err := s.SubmitQuestion(text)
		if err != nil {
			return false, fmt.Errorf("usage: ask <text>: %w", err)
		}
		fmt.Fprintf(a.out, "asked: %s\n", q.ID)
		return false, nil

	case "upvote":
		if len(parts) < 2 {
			return false, fmt.Errorf("usage: upvote <id>")
		}
		if err := s.Upvote(parts[1]); err != nil {
			return false, err
		}
		fmt.Fprintln(a.out, "ok")
		return false, nil

	case "questions", "q":
		printQuestions(a.out, s.Questions())
		return false, nil

	case "status":
		printStatus(a.out, s.Status())
		return false, nil

	case "quit", "exit":
		return true, nil

	default:
		return false, fmt.Errorf("unknown command: %s", cmd)
	}
}
