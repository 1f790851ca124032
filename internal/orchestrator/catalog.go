package orchestrator

import (
	"sort"
	"strings"

	"clarvis/internal/agent"
)

// builtinCommands are handled by the CLI itself and never reported in the
// agent's init event.
var builtinCommands = []agent.Command{
	{Name: "add-dir", Description: "Add a directory to the allowed list", ArgumentHint: "<directory>"},
	{Name: "bug", Description: "Report a bug"},
	{Name: "clear", Description: "Clear conversation history and start fresh"},
	{Name: "config", Description: "Open or edit configuration"},
	{Name: "doctor", Description: "Check Claude Code health and configuration"},
	{Name: "help", Description: "Show available commands and help"},
	{Name: "login", Description: "Log in to your Anthropic account"},
	{Name: "logout", Description: "Log out of your account"},
	{Name: "mcp", Description: "View MCP server status and configuration"},
	{Name: "memory", Description: "View and manage CLAUDE.md memory files"},
	{Name: "model", Description: "Change the current model (e.g., /model sonnet)", ArgumentHint: "<model>"},
	{Name: "permissions", Description: "View and manage tool permissions"},
	{Name: "status", Description: "Show current session status and info"},
	{Name: "terminal-setup", Description: "Configure terminal integration (Shift+Enter)"},
	{Name: "vim", Description: "Toggle vim keybindings mode"},
}

// Models returns the models clients may pick from: the defaults plus any
// model the agent has reported.
func (o *Orchestrator) Models() []agent.Model {
	o.cacheMu.RLock()
	defer o.cacheMu.RUnlock()
	out := append([]agent.Model(nil), agent.DefaultModels...)
	return append(out, o.extraModels...)
}

// Commands returns built-in and agent-reported slash commands, sorted by
// name. Built-ins win on name collisions.
func (o *Orchestrator) Commands() []agent.Command {
	o.cacheMu.RLock()
	reported := o.commands
	o.cacheMu.RUnlock()

	seen := make(map[string]bool, len(builtinCommands)+len(reported))
	out := make([]agent.Command, 0, len(builtinCommands)+len(reported))
	for _, c := range builtinCommands {
		seen[c.Name] = true
		out = append(out, c)
	}
	for _, c := range reported {
		if !seen[c.Name] {
			seen[c.Name] = true
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// fillCaches records the agent's model and slash commands from the first
// init event that carries them. Later init events are ignored.
func (o *Orchestrator) fillCaches(ev agent.Event) {
	o.cacheMu.Lock()
	defer o.cacheMu.Unlock()

	if !o.modelsCached && ev.Model != "" {
		o.modelsCached = true
		known := false
		for _, m := range agent.DefaultModels {
			if m.Value == ev.Model {
				known = true
				break
			}
		}
		if !known {
			o.extraModels = append(o.extraModels, agent.Model{
				Value:       ev.Model,
				DisplayName: ev.Model,
				Description: "Reported by the agent",
			})
		}
	}
	if !o.commandsCached && len(ev.SlashCommands) > 0 {
		o.commandsCached = true
		for _, name := range ev.SlashCommands {
			name = strings.TrimPrefix(strings.TrimSpace(name), "/")
			if name == "" {
				continue
			}
			o.commands = append(o.commands, agent.Command{Name: name, Description: "Skill command"})
		}
	}
}
