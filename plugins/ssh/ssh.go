// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package ssh configures the SSH daemon: its settings row, the
// sshd_config it renders and the service that runs it.
package ssh

import (
	"context"

	"github.com/bureau-foundation/middlewared/internal/core"
	"github.com/bureau-foundation/middlewared/lib/dispatch"
	"github.com/bureau-foundation/middlewared/lib/etc"
	"github.com/bureau-foundation/middlewared/lib/servicectl"
)

// ConfigPath is the rendered daemon configuration, relative to the
// etc root.
const ConfigPath = "ssh/sshd_config"

// SSH is the daemon configuration.
type SSH struct {
	ID           int64    `json:"id"`
	TCPPort      int64    `json:"tcpport"`
	PasswordAuth bool     `json:"passwordauth"`
	TCPFwd       bool     `json:"tcpfwd"`
	Compression  bool     `json:"compression"`
	WeakCiphers  []string `json:"weak_ciphers"`
	Options      string   `json:"options"`
}

type sshUpdate struct {
	TCPPort      *int64    `json:"tcpport,omitempty" validate:"omitempty,min=1,max=65535"`
	PasswordAuth *bool     `json:"passwordauth,omitempty"`
	TCPFwd       *bool     `json:"tcpfwd,omitempty"`
	Compression  *bool     `json:"compression,omitempty"`
	WeakCiphers  *[]string `json:"weak_ciphers,omitempty" validate:"omitempty,dive,oneof=AES128-CBC NONE"`
	Options      *string   `json:"options,omitempty"`
}

var sshdConfig = etc.MustTemplate("sshd_config", `{{with index .Values "ssh.config" -}}
# Generated by middlewared. Local changes are overwritten.
Port {{.TCPPort}}
PermitRootLogin without-password
PasswordAuthentication {{if .PasswordAuth}}yes{{else}}no{{end}}
KbdInteractiveAuthentication no
AllowTcpForwarding {{if .TCPFwd}}yes{{else}}no{{end}}
Compression {{if .Compression}}delayed{{else}}no{{end}}
Ciphers chacha20-poly1305@openssh.com,aes256-gcm@openssh.com,aes128-gcm@openssh.com,aes256-ctr,aes192-ctr,aes128-ctr{{range .WeakCiphers}}{{if eq . "AES128-CBC"}},aes128-cbc{{end}}{{end}}
{{- range .WeakCiphers}}{{if eq . "NONE"}}
NoneEnabled yes{{end}}{{end}}
Subsystem sftp internal-sftp
{{if .Options}}{{.Options}}
{{end}}{{end}}`)

// Plugin registers the ssh namespace.
type Plugin struct {
	core    *core.Core
	service *core.ConfigService[SSH, sshUpdate]
}

// New returns the ssh plugin.
func New() *Plugin { return &Plugin{} }

func (p *Plugin) Name() string { return "ssh" }

func (p *Plugin) Register(c *core.Core) error {
	p.core = c
	if err := c.Etc.Register(etc.Group{
		Name:    "ssh",
		Entries: []etc.Entry{{Path: ConfigPath, Renderer: sshdConfig}},
		Context: []etc.ContextCall{{Method: "ssh.config"}},
	}); err != nil {
		return err
	}
	if err := c.Services.Register(servicectl.Service{Name: "ssh", Units: []string{"ssh"}, EtcGroups: []string{"ssh"}}); err != nil {
		return err
	}
	p.service = &core.ConfigService[SSH, sshUpdate]{
		Namespace:  "ssh",
		Table:      "services.ssh",
		Prefix:     "ssh_",
		RolePrefix: "SSH",
		Updated:    p.updated,
	}
	return p.service.Register(c)
}

// updated reloads a running daemon so it picks up the new file.
func (p *Plugin) updated(ctx context.Context, _ *dispatch.Call, _, _ SSH) error {
	running, err := p.core.Services.Started(ctx, "ssh")
	if err != nil || !running {
		return err
	}
	return p.core.Services.Reload(ctx, "ssh")
}
