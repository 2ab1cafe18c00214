// internal/cli/prompt.go
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/Corphon/StoryForge/internal/models"
	"github.com/Corphon/StoryForge/internal/services"
)

// Prompter 从输入流逐行读取用户回答
type Prompter struct {
	in  *bufio.Reader
	out io.Writer
}

// NewPrompter 创建交互提示器
func NewPrompter(in io.Reader, out io.Writer) *Prompter {
	return &Prompter{in: bufio.NewReader(in), out: out}
}

// Line 显示问题并读取一行，输入结束时返回空串
func (p *Prompter) Line(question string) (string, error) {
	fmt.Fprint(p.out, question)
	line, err := p.in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// Confirm y/N 确认，默认否
func (p *Prompter) Confirm(question string) (bool, error) {
	answer, err := p.Line(question + " [y/N]: ")
	if err != nil {
		return false, err
	}
	switch strings.ToLower(answer) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}

// promptReviewer 在终端逐项审阅扇出结果
type promptReviewer struct {
	prompter *Prompter
	out      io.Writer
	stage    string
}

func (r *promptReviewer) Review(ctx context.Context, key string, item models.SubItem, canRegenerate bool) (services.ReviewDecision, error) {
	fmt.Fprintln(r.out, renderItem(r.stage, key, item))

	question := "[a]ccept / [r]eject"
	if canRegenerate {
		question += " / re[g]enerate"
	}
	for {
		if err := ctx.Err(); err != nil {
			return services.DecisionReject, err
		}
		answer, err := r.prompter.Line(question + ": ")
		if err != nil {
			return services.DecisionReject, err
		}
		switch strings.ToLower(answer) {
		case "a", "accept", "y", "yes":
			return services.DecisionAccept, nil
		case "r", "reject", "n", "no", "":
			return services.DecisionReject, nil
		case "g", "regenerate":
			if canRegenerate {
				fmt.Fprintln(r.out, mutedStyle.Render("regenerating "+models.KeyLabel(key)+"..."))
				return services.DecisionRegenerate, nil
			}
		}
		fmt.Fprintln(r.out, warnStyle.Render("unrecognised answer: "+answer))
	}
}
