// Package dialog is the scripted conversation core of concierge. It defines
// the Script and Session models, the Engine that renders steps and
// auto-advances through them, answer handling, the publish-time validator
// and the Library that versions scripts. Persistence is behind the
// SessionStore and ScriptStore interfaces.
package dialog
