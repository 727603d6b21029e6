package service

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/dimgroup/protocol"
)

// Usher welcomes returning users into one configured group. Supervisors
// point it at the group by chatting with it; the monitor's liveness reports
// trigger the invites.
type Usher struct {
	mutex       sync.Mutex
	current     protocol.ID
	supervisors []protocol.ID

	service   *Service
	footprint Presence
	members   MemberSource
	names     NameSource
	sender    ContentSender
}

// NewUsher wires the usher bot. Bind it to a service with Bind before
// starting the worker.
func NewUsher(footprint Presence, members MemberSource, names NameSource,
	sender ContentSender, supervisors []protocol.ID) *Usher {
	return &Usher{
		supervisors: supervisors,
		footprint:   footprint,
		members:     members,
		names:       names,
		sender:      sender,
	}
}

// Bind attaches the service the usher responds through.
func (u *Usher) Bind(s *Service) {
	u.service = s
}

// CurrentGroup returns the group the usher invites into, zero when unset.
func (u *Usher) CurrentGroup() protocol.ID {
	u.mutex.Lock()
	defer u.mutex.Unlock()
	return u.current
}

// SetCurrentGroup points the usher at a group.
func (u *Usher) SetCurrentGroup(group protocol.ID) protocol.ID {
	u.mutex.Lock()
	defer u.mutex.Unlock()
	old := u.current
	u.current = group
	return old
}

func (u *Usher) isSupervisor(id protocol.ID) bool {
	for _, admin := range u.supervisors {
		if admin == id {
			return true
		}
	}
	return false
}

// HandleText serves the usher's chat commands.
func (u *Usher) HandleText(ctx context.Context, content *protocol.TextContent, req Request) error {
	u.footprint.Touch(req.Sender(), req.When())

	text, ok := u.service.RequestText(ctx, content, req)
	if !ok {
		return nil
	}
	command := strings.ToLower(strings.TrimSpace(text))
	switch command {
	case "set current group":
		return u.setCurrentGroup(ctx, req)
	case "current group":
		return u.queryCurrentGroup(ctx, req)
	case "active users":
		return u.showActiveUsers(ctx, req)
	}
	return u.service.RespondText(ctx, fmt.Sprintf("Unexpected command: %q", text), req)
}

// setCurrentGroup serves "set current group": said inside a group by a
// supervisor, it points the usher there.
func (u *Usher) setCurrentGroup(ctx context.Context, req Request) error {
	sender := req.Sender()
	group := req.Content.Group()
	if group.IsZero() {
		return u.service.RespondText(ctx, "Call me in the group", req)
	}
	if !u.isSupervisor(sender) {
		logrus.WithFields(logrus.Fields{
			"sender": sender.String(),
		}).Warn("usher: permission denied")
		return u.service.RespondText(ctx, "Permission denied.", req)
	}
	old := u.SetCurrentGroup(group)
	logrus.WithFields(logrus.Fields{
		"sender": sender.String(),
		"old":    old.String(),
		"new":    group.String(),
	}).Warn("usher: current group changed")
	text := "Current group set to:\n" + u.groupInfo(ctx, group)
	if !old.IsZero() {
		text += "\nreplacing the old one:\n" + u.groupInfo(ctx, old)
	}
	return u.service.RespondMarkdown(ctx, text, req)
}

// queryCurrentGroup serves "current group".
func (u *Usher) queryCurrentGroup(ctx context.Context, req Request) error {
	current := u.CurrentGroup()
	if current.IsZero() {
		return u.service.RespondText(ctx, "current group not set yet", req)
	}
	text := "Current group is:\n" + u.groupInfo(ctx, current)
	return u.service.RespondMarkdown(ctx, text, req)
}

// showActiveUsers serves "active users" with a markdown table, newest
// first.
func (u *Usher) showActiveUsers(ctx context.Context, req Request) error {
	users := u.footprint.ActiveUsers()
	var sb strings.Builder
	sb.WriteString("## Active Users\n")
	sb.WriteString("| Name | Last Time |\n")
	sb.WriteString("|------|-----------|\n")
	for _, item := range users {
		name := u.userName(ctx, item.ID)
		fmt.Fprintf(&sb, "| %s | _%s_ |\n", name, item.LastTime.Format("2006-01-02 15:04:05"))
	}
	fmt.Fprintf(&sb, "\nTotally %d active users.", len(users))
	return u.service.RespondMarkdown(ctx, sb.String(), req)
}

// HandleFile politely declines direct file attachments.
func (u *Usher) HandleFile(ctx context.Context, content *protocol.FileContent, req Request) error {
	u.footprint.Touch(req.Sender(), req.When())
	if content.Group().IsZero() {
		return u.service.RespondText(ctx, "Cannot process file contents now.", req)
	}
	return nil
}

// HandleNewUser invites a returning user into the current group.
func (u *Usher) HandleNewUser(ctx context.Context, id protocol.ID) error {
	group := u.CurrentGroup()
	if group.IsZero() {
		logrus.Warn("usher: current group not set")
		return nil
	}
	members, err := u.members.Members(ctx, group)
	if err != nil {
		return fmt.Errorf("failed to get members of %s: %w", group, err)
	}
	if len(members) == 0 {
		logrus.WithFields(logrus.Fields{
			"group": group.String(),
		}).Error("usher: group not ready")
		return nil
	}
	for _, member := range members {
		if member == id {
			logrus.WithFields(logrus.Fields{
				"user":  id.String(),
				"group": group.String(),
			}).Debug("usher: member already exists")
			return nil
		}
	}
	logrus.WithFields(logrus.Fields{
		"user":  id.String(),
		"group": group.String(),
	}).Info("usher: inviting user into group")
	invite := protocol.NewInviteCommand(group, id)
	return u.sender.SendContent(ctx, group, invite, protocol.PriorityNormal)
}

// groupInfo renders one group as a markdown bullet list.
func (u *Usher) groupInfo(ctx context.Context, group protocol.ID) string {
	name := group.Name
	if u.names != nil {
		if docName := u.names.Name(ctx, group); docName != "" {
			name = docName
		}
	}
	return fmt.Sprintf("- Name: ***\"%s\"***\n- ID  : %s\n", name, group)
}

// userName resolves a display name for the active-users table.
func (u *Usher) userName(ctx context.Context, id protocol.ID) string {
	if u.names != nil {
		if name := u.names.Name(ctx, id); name != "" {
			return name
		}
	}
	if id.Name != "" {
		return id.Name
	}
	return id.String()
}
