package chatcore

import (
	"fmt"
	"strings"
	"time"
)

// sendPhase is the state of one optimistic send.
type sendPhase int

const (
	phaseStaged sendPhase = iota
	phaseInflight
	phaseCommitted
	phaseRolledBack
)

func (p sendPhase) String() string {
	switch p {
	case phaseStaged:
		return "staged"
	case phaseInflight:
		return "inflight"
	case phaseCommitted:
		return "committed"
	case phaseRolledBack:
		return "rolled_back"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// SendInput is what the user composed.
type SendInput struct {
	Content string
	Files   []Upload
	// MessageType defaults to MessageOutgoing.
	MessageType MessageType
}

func (in SendInput) empty() bool {
	return strings.TrimSpace(in.Content) == "" && len(in.Files) == 0
}

// pendingSend tracks one optimistic send through
// staged -> inflight -> committed | rolledBack.
type pendingSend struct {
	phase      sendPhase
	optimistic Message
	req        SendRequest
	result     *Message
	err        error
}

// stageSend builds the optimistic entry for in. Attachments are rendered from
// their local preview references until the upload completes.
func stageSend(conversationID int64, workspaceID string, in SendInput, tempID string, now time.Time) *pendingSend {
	mt := in.MessageType
	if mt == MessageIncoming {
		mt = MessageOutgoing
	}
	atts := make([]Attachment, 0, len(in.Files))
	for _, f := range in.Files {
		ct := f.ContentType
		if ct == "" {
			ct = guessContentType(f.FileName)
		}
		preview := f.PreviewURL
		if preview == "" {
			preview = "local:" + f.FileName
		}
		atts = append(atts, Attachment{
			Kind:     KindForContentType(ct),
			URL:      preview,
			FileName: f.FileName,
			Size:     int64(len(f.Data)),
		})
	}
	return &pendingSend{
		phase: phaseStaged,
		optimistic: Message{
			TempID:         tempID,
			Content:        in.Content,
			MessageType:    mt,
			CreatedAt:      now.Unix(),
			ConversationID: conversationID,
			Attachments:    atts,
			Sending:        true,
		},
		req: SendRequest{
			ConversationID: conversationID,
			Content:        in.Content,
			MessageType:    mt,
			Files:          in.Files,
			WorkspaceID:    workspaceID,
		},
	}
}

func (p *pendingSend) transition(from []sendPhase, to sendPhase) error {
	for _, f := range from {
		if p.phase == f {
			p.phase = to
			return nil
		}
	}
	return fmt.Errorf("send %s: cannot go from %s to %s", p.optimistic.TempID, p.phase, to)
}

func (p *pendingSend) begin() error {
	return p.transition([]sendPhase{phaseStaged}, phaseInflight)
}

func (p *pendingSend) commit(real Message) error {
	if err := p.transition([]sendPhase{phaseInflight}, phaseCommitted); err != nil {
		return err
	}
	if real.ConversationID == 0 {
		real.ConversationID = p.req.ConversationID
	}
	real.Sending = false
	p.result = &real
	return nil
}

func (p *pendingSend) rollback(err error) error {
	if terr := p.transition([]sendPhase{phaseStaged, phaseInflight}, phaseRolledBack); terr != nil {
		return terr
	}
	p.err = err
	return nil
}

func (p *pendingSend) tempID() string { return p.optimistic.TempID }

// sendError describes a rolled-back send for the user.
func (p *pendingSend) sendError() *SendError {
	files := make([]FileInfo, 0, len(p.req.Files))
	for _, f := range p.req.Files {
		files = append(files, FileInfo{Name: f.FileName, Size: int64(len(f.Data))})
	}
	return &SendError{
		ConversationID: p.req.ConversationID,
		TempID:         p.optimistic.TempID,
		Files:          files,
		Err:            p.err,
	}
}
