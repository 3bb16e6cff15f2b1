package cli

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"chatsync/pkg/models"
	"chatsync/pkg/reconcile"
	"chatsync/pkg/store"
)

const timeLayout = "2006-01-02 15:04"

func renderUsers(w io.Writer, users []models.User) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "USER\tNAME\tACTIVE\tUNREAD\tSTATUS")
	for _, u := range users {
		unread := "-"
		if u.MessageCount > 0 && !u.IsRead {
			unread = humanize.Comma(int64(u.MessageCount))
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", u.UserID, u.Name, yesNo(u.IsActive), unread, u.StatusMessage)
	}
	tw.Flush()
}

// renderMessage writes one conversation line. Entries without an id are
// shown by their client key so they can be retried or discarded.
func renderMessage(w io.Writer, self string, m models.Message) {
	ref := msgRef(m)
	who := m.SenderID
	if who == self {
		who = "me"
	}
	body := m.Content
	if m.AttachmentRef != "" {
		if body != "" {
			body += " "
		}
		body += "[" + m.AttachmentRef + "]"
	}
	line := fmt.Sprintf("%s %s %s: %s", ref, m.Timestamp.Local().Format(timeLayout), who, body)
	switch m.Status {
	case models.StatusPending:
		line += "  (sending)"
	case models.StatusFailed:
		line += "  (failed"
		if m.Error != "" {
			line += ": " + m.Error
		}
		line += ")"
	}
	fmt.Fprintln(w, line)
}

func renderMessages(w io.Writer, self string, msgs []models.Message) {
	if len(msgs) == 0 {
		fmt.Fprintln(w, "(no messages)")
		return
	}
	for _, m := range msgs {
		renderMessage(w, self, m)
	}
}

// renderSnapshot redraws the whole conversation view.
func renderSnapshot(w io.Writer, self string, s reconcile.Snapshot) {
	if s.PeerID == "" {
		fmt.Fprintln(w, "(no conversation)")
		return
	}
	header := fmt.Sprintf("== %s", s.PeerID)
	if s.Presence.Active {
		header += " (online)"
	} else {
		header += " (offline)"
	}
	if s.Presence.StatusMessage != "" {
		header += " \"" + s.Presence.StatusMessage + "\""
	}
	header += fmt.Sprintf(" | %s | %d messages", s.State, len(s.Messages))
	if s.LoadingOlder {
		header += " | loading older"
	} else if s.State == reconcile.StateReady && s.HasMoreOlder {
		header += " | /older for more"
	}
	fmt.Fprintln(w, header)
	renderMessages(w, self, s.Messages)
	for _, op := range s.Pending {
		if op.State == models.OpFailed {
			fmt.Fprintf(w, "! %s %s failed: %s (/retry %s or /discard %s)\n", op.Kind, op.Token, op.Err, op.Token, op.Token)
		}
	}
	if s.LastError != nil {
		fmt.Fprintf(w, "! %v\n", s.LastError)
	}
}

func renderLogs(w io.Writer, logs []models.RequestLog) {
	if len(logs) == 0 {
		fmt.Fprintln(w, "(no requests)")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tIP\tUSER\tMETHOD\tPATH")
	for _, l := range logs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", l.Timestamp.Local().Format(time.TimeOnly), l.IP, l.Username, l.Method, l.Path)
	}
	tw.Flush()
}

func renderPeers(w io.Writer, peers []store.PeerSummary) {
	if len(peers) == 0 {
		fmt.Fprintln(w, "(cache is empty)")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PEER\tMESSAGES\tNEWEST\tSAVED")
	for _, p := range peers {
		newest := "-"
		if !p.Newest.IsZero() {
			newest = humanize.Time(p.Newest)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", p.PeerID, humanize.Comma(int64(p.Messages)), newest, humanize.Time(p.SavedAt))
	}
	tw.Flush()
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

type tailAction int

const (
	actSend tailAction = iota
	actEdit
	actDelete
	actOlder
	actRefresh
	actRetry
	actDiscard
	actShow
	actHelp
	actQuit
)

// tailCommand is one parsed line of interactive input.
type tailCommand struct {
	action tailAction
	id     int64
	key    string
	text   string
}

var errEmptyInput = errors.New("empty input")

const tailHelp = `/edit <id> <text>   replace a message
/delete <id>        delete a message
/older              load older history
/refresh            re-fetch the newest page
/retry <key>        re-send a failed message
/discard <key>      drop a failed message
/show               print the whole conversation
/quit               leave
anything else is sent as a message`

// parseTailInput reads a slash command, or plain text to send.
func parseTailInput(line string) (tailCommand, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return tailCommand{}, errEmptyInput
	}
	if !strings.HasPrefix(line, "/") {
		return tailCommand{action: actSend, text: line}, nil
	}
	name, rest, _ := strings.Cut(line[1:], " ")
	rest = strings.TrimSpace(rest)
	switch name {
	case "edit":
		idStr, text, _ := strings.Cut(rest, " ")
		id, err := parseID(idStr)
		if err != nil {
			return tailCommand{}, err
		}
		text = strings.TrimSpace(text)
		if text == "" {
			return tailCommand{}, errors.New("usage: /edit <id> <text>")
		}
		return tailCommand{action: actEdit, id: id, text: text}, nil
	case "delete":
		id, err := parseID(rest)
		if err != nil {
			return tailCommand{}, err
		}
		return tailCommand{action: actDelete, id: id}, nil
	case "older":
		return tailCommand{action: actOlder}, nil
	case "refresh":
		return tailCommand{action: actRefresh}, nil
	case "retry", "discard":
		key := strings.TrimPrefix(rest, "~")
		if key == "" {
			return tailCommand{}, fmt.Errorf("usage: /%s <key>", name)
		}
		act := actRetry
		if name == "discard" {
			act = actDiscard
		}
		return tailCommand{action: act, key: key}, nil
	case "show":
		return tailCommand{action: actShow}, nil
	case "help", "?":
		return tailCommand{action: actHelp}, nil
	case "quit", "exit", "q":
		return tailCommand{action: actQuit}, nil
	}
	return tailCommand{}, fmt.Errorf("unknown command /%s, try /help", name)
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimPrefix(strings.TrimSpace(s), "#"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid message id %q", s)
	}
	return id, nil
}

var logWindows = map[string]time.Duration{
	"5m":  5 * time.Minute,
	"10m": 10 * time.Minute,
	"30m": 30 * time.Minute,
}

func parseWindow(s string) (time.Duration, error) {
	d, ok := logWindows[s]
	if !ok {
		return 0, fmt.Errorf("window must be one of 5m, 10m, 30m (got %q)", s)
	}
	return d, nil
}

func msgRef(m models.Message) string {
	if m.Confirmed() {
		return "#" + strconv.FormatInt(m.ID, 10)
	}
	return "~" + m.ClientKey
}

// tailView prints what changed between successive snapshots, so a live
// conversation reads like a log instead of being redrawn.
type tailView struct {
	w    io.Writer
	self string

	gen      uint64
	peer     string
	state    reconcile.State
	seen     map[string]models.Message
	oldest   time.Time
	presence models.Presence
	lastErr  string
	failed   map[string]bool
}

func newTailView(w io.Writer, self string) *tailView {
	return &tailView{w: w, self: self, seen: map[string]models.Message{}, failed: map[string]bool{}}
}

func (v *tailView) update(s reconcile.Snapshot) {
	if s.PeerID == "" {
		return
	}
	if s.Generation != v.gen || s.PeerID != v.peer {
		v.gen, v.peer = s.Generation, s.PeerID
		v.state = ""
		v.seen = map[string]models.Message{}
		v.failed = map[string]bool{}
		v.oldest = time.Time{}
		v.presence = models.Presence{}
		v.lastErr = ""
		fmt.Fprintf(v.w, "== %s\n", s.PeerID)
	}

	if s.Presence.Active != v.presence.Active || s.Presence.StatusMessage != v.presence.StatusMessage {
		line := "-- " + s.PeerID + " is offline"
		if s.Presence.Active {
			line = "-- " + s.PeerID + " is online"
		}
		if s.Presence.StatusMessage != "" {
			line += " \"" + s.Presence.StatusMessage + "\""
		}
		fmt.Fprintln(v.w, line)
		v.presence = s.Presence
	}

	var older []models.Message
	current := make(map[string]models.Message, len(s.Messages))
	for _, m := range s.Messages {
		ref := msgRef(m)
		current[ref] = m
		prev, ok := v.seen[ref]
		switch {
		case !ok && m.Confirmed() && !v.oldest.IsZero() && m.Timestamp.Before(v.oldest):
			older = append(older, m)
		case !ok:
			renderMessage(v.w, v.self, m)
		case prev.Content != m.Content:
			fmt.Fprint(v.w, "edited ")
			renderMessage(v.w, v.self, m)
		case prev.Status != m.Status && m.Status == models.StatusFailed:
			renderMessage(v.w, v.self, m)
		}
	}
	if len(older) > 0 {
		fmt.Fprintf(v.w, "-- %d older messages\n", len(older))
		for _, m := range older {
			renderMessage(v.w, v.self, m)
		}
	}
	for ref, prev := range v.seen {
		if _, ok := current[ref]; !ok && prev.Confirmed() {
			fmt.Fprintf(v.w, "%s deleted\n", ref)
		}
	}
	v.seen = current
	if len(s.Messages) > 0 {
		v.oldest = s.OldestLoaded
	}

	if s.State != v.state {
		v.state = s.State
		if s.State == reconcile.StateReady {
			more := ""
			if s.HasMoreOlder {
				more = ", /older for more"
			}
			fmt.Fprintf(v.w, "-- %d messages%s\n", len(s.Messages), more)
		}
	}

	for _, op := range s.Pending {
		if op.State == models.OpFailed && !v.failed[op.Token] {
			fmt.Fprintf(v.w, "! %s failed: %s (/retry %s or /discard %s)\n", op.Kind, op.Err, op.Token, op.Token)
		}
	}
	v.failed = map[string]bool{}
	for _, op := range s.Pending {
		if op.State == models.OpFailed {
			v.failed[op.Token] = true
		}
	}

	errText := ""
	if s.LastError != nil {
		errText = s.LastError.Error()
	}
	if errText != v.lastErr {
		if errText != "" {
			fmt.Fprintf(v.w, "! %s\n", errText)
		}
		v.lastErr = errText
	}
}
