package page

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/always-cache/tapestry-cache/prefs"
)

// Message keys double as the English text.
const (
	msgNewContent = "New content available, would you like to refresh?"
	msgResetCache = "This will reset the entire cache, are you sure?"
	msgYes        = "Yes"
	msgNo         = "No"
)

var italian = map[string]string{
	msgNewContent: "Nuovi contenuti disponibili, vuoi aggiornare?",
	msgResetCache: "Questo ripristinerà l'intera cache, sei sicuro?",
	msgYes:        "Sì",
	msgNo:         "No",
}

func init() {
	for key, text := range italian {
		message.SetString(language.English, key, key)
		message.SetString(language.Italian, key, text)
	}
}

// Tag maps a page language code to its language tag; anything but Italian is English.
func Tag(lang string) language.Tag {
	if lang == prefs.Italian {
		return language.Italian
	}
	return language.English
}

// Question is a localized yes/no question.
type Question struct {
	Text string
	Yes  string
	No   string
}

func newQuestion(lang, key string) Question {
	p := message.NewPrinter(Tag(lang))
	return Question{
		Text: p.Sprintf(key),
		Yes:  p.Sprintf(msgYes),
		No:   p.Sprintf(msgNo),
	}
}

// Prompter asks the user for consent.
type Prompter interface {
	Confirm(ctx context.Context, q Question) (bool, error)
}

// PrompterFunc adapts a function to Prompter.
type PrompterFunc func(ctx context.Context, q Question) (bool, error)

func (f PrompterFunc) Confirm(ctx context.Context, q Question) (bool, error) {
	return f(ctx, q)
}

// Always answers every question with the same answer.
func Always(answer bool) Prompter {
	return PrompterFunc(func(context.Context, Question) (bool, error) {
		return answer, nil
	})
}

// TerminalPrompter asks on Out and reads the answer from In, one line per question.
// Questions are asked one at a time; a line typed after a question was abandoned
// answers the next one.
type TerminalPrompter struct {
	In  io.Reader
	Out io.Writer

	once  sync.Once
	turn  chan struct{}
	lines chan string
	// err is set before lines is closed.
	err error
}

// read is the only reader of In.
func (t *TerminalPrompter) read() {
	scanner := bufio.NewScanner(t.In)
	for scanner.Scan() {
		t.lines <- scanner.Text()
	}
	t.err = scanner.Err()
	close(t.lines)
}

func (t *TerminalPrompter) Confirm(ctx context.Context, q Question) (bool, error) {
	t.once.Do(func() {
		t.turn = make(chan struct{}, 1)
		t.lines = make(chan string)
		go t.read()
	})
	select {
	case t.turn <- struct{}{}:
	case <-ctx.Done():
		return false, ctx.Err()
	}
	defer func() { <-t.turn }()

	fmt.Fprintf(t.Out, "%s [%s/%s] ", q.Text, q.Yes, q.No)
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case line, ok := <-t.lines:
		if !ok {
			if t.err != nil {
				return false, t.err
			}
			return false, io.EOF
		}
		return isYes(line, q), nil
	}
}

func isYes(line string, q Question) bool {
	line = strings.ToLower(strings.TrimSpace(line))
	if line == "" {
		return false
	}
	yes := strings.ToLower(q.Yes)
	return line == yes || strings.HasPrefix(yes, line) || line == "y" || line == "yes" || line == "s" || line == "si"
}
