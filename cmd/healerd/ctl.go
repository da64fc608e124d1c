package main

import (
	"encoding/base64"
	"fmt"
	"os"
)

// CtlCmd is the thin JSON-over-TCP client: one command per invocation,
// one reply printed.
type CtlCmd struct {
	Ping CtlPingCmd `cmd:"" help:"Check the daemon is alive"`

	StartIC      CtlStartICCmd      `cmd:"" name:"start-ic" help:"Apply an IC to an avatar or avatar group"`
	StartRequest CtlStartRequestCmd `cmd:"" name:"start-request" help:"Apply a request (or group) to an avatar (or group)"`
	StartLink    CtlStartLinkCmd    `cmd:"" name:"start-link" help:"Link a source avatar to a destination or group"`
	StartGroup   CtlStartGroupCmd   `cmd:"" name:"start-group" help:"Apply an IC group to an avatar group"`
	StopSession  CtlStopSessionCmd  `cmd:"" name:"stop-session" help:"Stop a session (and its children)"`

	AddAvatar  CtlAddAvatarCmd  `cmd:"" name:"add-avatar" help:"Create an avatar"`
	AddIC      CtlAddICCmd      `cmd:"" name:"add-ic" help:"Create an information copy"`
	AddRequest CtlAddRequestCmd `cmd:"" name:"add-request" help:"Create a request"`
	Edit       CtlEditCmd       `cmd:"" help:"Update an entity (restarts its running sessions)"`
	Remove     CtlRemoveCmd     `cmd:"" help:"Remove an entity (stops and deletes its sessions)"`
	List       CtlListCmd       `cmd:"" help:"List avatars, ics, requests or sessions"`

	CreateGroup  CtlCreateGroupCmd  `cmd:"" name:"create-group" help:"Create a named group"`
	RemoveGroup  CtlRemoveGroupCmd  `cmd:"" name:"remove-group" help:"Delete a group"`
	AddMember    CtlAddMemberCmd    `cmd:"" name:"add-member" help:"Add an entity to a group"`
	RemoveMember CtlRemoveMemberCmd `cmd:"" name:"remove-member" help:"Remove an entity from a group"`
	ShowGroup    CtlShowGroupCmd    `cmd:"" name:"show-group" help:"Show a group's members"`

	Fail    CtlFailCmd    `cmd:"" help:"Fail running sessions on an avatar or avatar group"`
	FailAll CtlFailAllCmd `cmd:"" name:"fail-all" help:"Fail every running session"`
	Redo    CtlRedoCmd    `cmd:"" help:"Restart all failed sessions"`
	View    CtlViewCmd    `cmd:"" help:"Show running sessions on an avatar"`
}

type CtlPingCmd struct{}

func (c *CtlPingCmd) Run(ctx *Context) error {
	return ctl(ctx, "ping", nil)
}

type CtlStartICCmd struct {
	ICID        int64  `name:"ic-id" required:"" help:"Information copy id"`
	AvatarID    *int64 `name:"avatar-id" help:"Target avatar id"`
	AvatarGroup string `name:"avatar-group" help:"Target avatar group name"`
	Duration    *int   `help:"Duration in minutes (default: infinite)"`
}

func (c *CtlStartICCmd) Run(ctx *Context) error {
	data := map[string]any{"ic_id": c.ICID}
	if c.AvatarID != nil {
		data["avatar_id"] = *c.AvatarID
	}
	if c.AvatarGroup != "" {
		data["avatar_group"] = c.AvatarGroup
	}
	if c.Duration != nil {
		data["duration"] = *c.Duration
	}
	return ctl(ctx, "start_ic", data)
}

type CtlStartRequestCmd struct {
	AvatarID     *int64 `name:"avatar-id" help:"Target avatar id"`
	AvatarGroup  string `name:"avatar-group" help:"Target avatar group name"`
	RequestID    *int64 `name:"request-id" help:"Request id"`
	RequestGroup string `name:"request-group" help:"Request group name"`
	Duration     *int   `help:"Duration in minutes (default: infinite)"`
}

func (c *CtlStartRequestCmd) Run(ctx *Context) error {
	data := map[string]any{}
	if c.AvatarID != nil {
		data["avatar_id"] = *c.AvatarID
	}
	if c.AvatarGroup != "" {
		data["avatar_group"] = c.AvatarGroup
	}
	if c.RequestID != nil {
		data["request_id"] = *c.RequestID
	}
	if c.RequestGroup != "" {
		data["request_group"] = c.RequestGroup
	}
	if c.Duration != nil {
		data["duration"] = *c.Duration
	}
	return ctl(ctx, "start_request", data)
}

type CtlStartLinkCmd struct {
	SourceID  int64  `name:"source-id" required:"" help:"Source avatar id"`
	DestID    *int64 `name:"dest-id" help:"Destination avatar id"`
	DestGroup string `name:"dest-group" help:"Destination avatar group name"`
	Duration  *int   `help:"Duration in minutes (default: infinite)"`
}

func (c *CtlStartLinkCmd) Run(ctx *Context) error {
	data := map[string]any{"source_id": c.SourceID}
	if c.DestID != nil {
		data["dest_id"] = *c.DestID
	}
	if c.DestGroup != "" {
		data["dest_group"] = c.DestGroup
	}
	if c.Duration != nil {
		data["duration"] = *c.Duration
	}
	return ctl(ctx, "start_link", data)
}

type CtlStartGroupCmd struct {
	AvatarGroup string `name:"avatar-group" required:"" help:"Avatar group name"`
	ICGroup     string `name:"ic-group" required:"" help:"IC group name"`
	Duration    *int   `help:"Duration in minutes (default: infinite)"`
}

func (c *CtlStartGroupCmd) Run(ctx *Context) error {
	data := map[string]any{"avatar_group": c.AvatarGroup, "ic_group": c.ICGroup}
	if c.Duration != nil {
		data["duration"] = *c.Duration
	}
	return ctl(ctx, "start_group", data)
}

type CtlStopSessionCmd struct {
	SessionID int64 `arg:"" help:"Session id"`
}

func (c *CtlStopSessionCmd) Run(ctx *Context) error {
	return ctl(ctx, "stop_session", map[string]any{"session_id": c.SessionID})
}

type CtlAddAvatarCmd struct {
	Name  string `required:"" help:"Unique avatar name"`
	Photo string `required:"" type:"existingfile" help:"Photo file"`
	Info  string `required:"" help:"Info text, or @file to read from a file"`
}

func (c *CtlAddAvatarCmd) Run(ctx *Context) error {
	photo, err := os.ReadFile(c.Photo)
	if err != nil {
		return fmt.Errorf("read photo: %w", err)
	}
	info, err := textOrFile(c.Info)
	if err != nil {
		return err
	}
	return ctl(ctx, "create_entity", map[string]any{
		"entity_type":    "avatar",
		"name":           c.Name,
		"photo_data_b64": base64.StdEncoding.EncodeToString(photo),
		"info_data":      info,
	})
}

type CtlAddICCmd struct {
	Name string `required:"" help:"Unique IC name"`
	File string `arg:"" type:"existingfile" help:"Payload file"`
}

func (c *CtlAddICCmd) Run(ctx *Context) error {
	wav, err := os.ReadFile(c.File)
	if err != nil {
		return fmt.Errorf("read payload: %w", err)
	}
	return ctl(ctx, "create_entity", map[string]any{
		"entity_type":  "ic",
		"name":         c.Name,
		"wav_data_b64": base64.StdEncoding.EncodeToString(wav),
	})
}

type CtlAddRequestCmd struct {
	Name string `required:"" help:"Unique request name"`
	Text string `required:"" help:"Request text, or @file to read from a file"`
}

func (c *CtlAddRequestCmd) Run(ctx *Context) error {
	text, err := textOrFile(c.Text)
	if err != nil {
		return err
	}
	return ctl(ctx, "create_entity", map[string]any{
		"entity_type":  "request",
		"name":         c.Name,
		"request_data": text,
	})
}

type CtlEditCmd struct {
	Type  string  `arg:"" enum:"avatar,request" help:"Entity type (avatar or request)"`
	ID    int64   `arg:"" help:"Entity id"`
	Name  *string `help:"New name"`
	Photo string  `type:"existingfile" help:"New photo file (avatar only)"`
	Info  *string `help:"New info text (avatar only)"`
	Text  *string `help:"New request text (request only)"`
}

func (c *CtlEditCmd) Run(ctx *Context) error {
	data := map[string]any{"entity_type": c.Type, "id": c.ID}
	if c.Name != nil {
		data["name"] = *c.Name
	}
	if c.Photo != "" {
		photo, err := os.ReadFile(c.Photo)
		if err != nil {
			return fmt.Errorf("read photo: %w", err)
		}
		data["photo_data_b64"] = base64.StdEncoding.EncodeToString(photo)
	}
	if c.Info != nil {
		data["info_data"] = *c.Info
	}
	if c.Text != nil {
		data["request_data"] = *c.Text
	}
	return ctl(ctx, "update_entity", data)
}

type CtlRemoveCmd struct {
	Type string `arg:"" enum:"avatar,ic,request" help:"Entity type"`
	ID   int64  `arg:"" help:"Entity id"`
}

func (c *CtlRemoveCmd) Run(ctx *Context) error {
	return ctl(ctx, "remove_entity", map[string]any{"entity_type": c.Type, "id": c.ID})
}

type CtlListCmd struct {
	What  string `arg:"" enum:"avatar,ic,request,session" help:"What to list"`
	Limit int    `help:"Session list limit" default:"20"`
}

func (c *CtlListCmd) Run(ctx *Context) error {
	if c.What == "session" {
		return ctl(ctx, "list_sessions", map[string]any{"limit": c.Limit})
	}
	return ctl(ctx, "list_entities", map[string]any{"entity_type": c.What})
}

type CtlCreateGroupCmd struct {
	Type string `arg:"" enum:"avatar,ic,request" help:"Group type"`
	Name string `arg:"" help:"Unique group name"`
}

func (c *CtlCreateGroupCmd) Run(ctx *Context) error {
	return ctl(ctx, "create_group", map[string]any{"group_type": c.Type, "name": c.Name})
}

type CtlRemoveGroupCmd struct {
	Type string `arg:"" enum:"avatar,ic,request" help:"Group type"`
	Name string `arg:"" help:"Group name"`
}

func (c *CtlRemoveGroupCmd) Run(ctx *Context) error {
	return ctl(ctx, "remove_group", map[string]any{"group_type": c.Type, "group_name": c.Name})
}

type CtlAddMemberCmd struct {
	Type     string `arg:"" enum:"avatar,ic,request" help:"Group type"`
	Name     string `arg:"" help:"Group name"`
	MemberID int64  `arg:"" help:"Entity id to add"`
}

func (c *CtlAddMemberCmd) Run(ctx *Context) error {
	return ctl(ctx, "add_member_to_group", map[string]any{
		"group_type": c.Type, "group_name": c.Name, "member_id": c.MemberID})
}

type CtlRemoveMemberCmd struct {
	Type     string `arg:"" enum:"avatar,ic,request" help:"Group type"`
	Name     string `arg:"" help:"Group name"`
	MemberID int64  `arg:"" help:"Entity id to remove"`
}

func (c *CtlRemoveMemberCmd) Run(ctx *Context) error {
	return ctl(ctx, "remove_member_from_group", map[string]any{
		"group_type": c.Type, "group_name": c.Name, "member_id": c.MemberID})
}

type CtlShowGroupCmd struct {
	Type string `arg:"" enum:"avatar,ic,request" help:"Group type"`
	Name string `arg:"" help:"Group name"`
}

func (c *CtlShowGroupCmd) Run(ctx *Context) error {
	return ctl(ctx, "show_group", map[string]any{"group_type": c.Type, "group_name": c.Name})
}

type CtlFailCmd struct {
	AvatarID    *int64 `name:"avatar-id" help:"Avatar id"`
	AvatarGroup string `name:"avatar-group" help:"Avatar group name"`
}

func (c *CtlFailCmd) Run(ctx *Context) error {
	data := map[string]any{}
	if c.AvatarID != nil {
		data["avatar_id"] = *c.AvatarID
	}
	if c.AvatarGroup != "" {
		data["avatar_group"] = c.AvatarGroup
	}
	return ctl(ctx, "fail_sessions_on_target", data)
}

type CtlFailAllCmd struct{}

func (c *CtlFailAllCmd) Run(ctx *Context) error {
	return ctl(ctx, "fail_all_running", nil)
}

type CtlRedoCmd struct{}

func (c *CtlRedoCmd) Run(ctx *Context) error {
	return ctl(ctx, "redo_failed", nil)
}

type CtlViewCmd struct {
	Avatar string `arg:"" help:"Avatar id or name"`
}

func (c *CtlViewCmd) Run(ctx *Context) error {
	return ctl(ctx, "view_running_on", map[string]any{"avatar_identifier": c.Avatar})
}

// textOrFile returns s, or the contents of the file named after '@'
func textOrFile(s string) (string, error) {
	if len(s) > 1 && s[0] == '@' {
		data, err := os.ReadFile(s[1:])
		if err != nil {
			return "", fmt.Errorf("read %s: %w", s[1:], err)
		}
		return string(data), nil
	}
	return s, nil
}
