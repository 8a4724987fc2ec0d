package ami

import (
	"sort"
	"strings"
)

const lineEnd = "\r\n"

// OriginateOptions describes an Originate action. Empty strings and false
// flags are left out of the request; Asterisk applies its own defaults.
type OriginateOptions struct {
	Channel     string            `json:"channel"`
	Context     string            `json:"context"`
	Priority    string            `json:"priority"`
	Exten       string            `json:"exten"`
	EarlyMedia  bool              `json:"earlyMedia"`
	Async       bool              `json:"async"`
	CallerID    string            `json:"callerId"`
	Application string            `json:"application"`
	Data        string            `json:"data"`
	Variables   map[string]string `json:"variables,omitempty"`
}

// Channel variables commonly passed with Originate by the CRM side.
const (
	VarNoLead            = "__NOLEAD"
	VarDTMF              = "__DTMF"
	VarCRMUserID         = "__CRM_USER_ID"
	VarCallID            = "__CALL_ID"
	VarCRMEntityID       = "__CRM_ENTITY_ID"
	VarCRMEntityType     = "__CRM_ENTITY_TYPE"
	VarCRMUserPhoneInner = "__CRM_USER_PHONE_INNER"
	VarWebhook           = "__WEBHOOK"
)

type lines []string

func (l *lines) add(key, value string) {
	*l = append(*l, key+": "+value)
}

func (l *lines) addIf(key, value string) {
	if value != "" {
		l.add(key, value)
	}
}

func (l lines) String() string { return strings.Join(l, lineEnd) }

func action(name string) lines { return lines{"Action: " + name} }

// Login builds the Login action.
func Login(username, secret string) string {
	l := action("Login")
	l.add("Username", username)
	l.add("Secret", secret)
	return l.String()
}

// Ping builds the Ping action.
func Ping() string { return action("Ping").String() }

// Events builds the Events action selecting which event classes are sent.
func Events(mask string) string {
	l := action("Events")
	l.add("EventMask", mask)
	return l.String()
}

// Originate builds the Originate action. Variables are emitted one line each,
// sorted by name.
func Originate(o OriginateOptions) string {
	l := action("Originate")
	l.addIf("Channel", o.Channel)
	l.addIf("Context", o.Context)
	l.addIf("Application", o.Application)
	l.addIf("Data", o.Data)
	l.addIf("Priority", o.Priority)
	if o.EarlyMedia {
		l.add("EarlyMedia", "true")
	}
	if o.Async {
		l.add("Async", "true")
	}
	l.addIf("Exten", o.Exten)
	l.addIf("Callerid", o.CallerID)

	names := make([]string, 0, len(o.Variables))
	for k := range o.Variables {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		l.add("Variable", k+"="+o.Variables[k])
	}
	return l.String()
}

// PlayDTMF builds the PlayDTMF action.
func PlayDTMF(channel, digit string) string {
	l := action("PlayDTMF")
	l.add("Channel", channel)
	l.add("Digit", digit)
	return l.String()
}

// Reload builds the Reload action. An empty module reloads everything.
func Reload(module string) string {
	l := action("Reload")
	l.addIf("Module", module)
	return l.String()
}

// actionName returns the value of the leading "Action:" line of text.
func actionName(text string) string {
	first, _, _ := strings.Cut(text, "\n")
	first = strings.TrimSuffix(first, "\r")
	k, v, ok := strings.Cut(first, ":")
	if !ok || !strings.EqualFold(strings.TrimSpace(k), "Action") {
		return "unknown"
	}
	return strings.TrimSpace(v)
}
