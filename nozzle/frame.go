package nozzle

import (
	"fmt"
	"strings"
)

// Family names the verb families the port classifies inbound frames
// into (spec.md §4.1).
type Family string

const (
	FamilyHeartbeat  Family = "heartbeat"
	FamilyNHB        Family = "nhb"
	FamilyRFIDGet    Family = "rfid_get"
	FamilyRFIDMatch  Family = "rfid_match"
	FamilyRFIDAlarm  Family = "rfid_alarm"
	FamilyMeterRead  Family = "meter_read"
	FamilyHLSRead    Family = "hls_read"
	FamilyUnknown    Family = "unknown"
)

// expectResponse lists the verbs the port treats as expect-response;
// every other verb is fire-and-forget (spec.md §4.1).
var expectResponse = map[string]bool{
	"heartbeat": true,
	"meter_read": true,
	"rfid_get":   true,
	"hls_read":   true,
}

// unsolicitedOnly lists verb families that are always surfaced as
// unsolicited events, never correlated to a pending request, because
// the nozzle never replies to a request of that family.
var unsolicitedOnly = map[Family]bool{
	FamilyRFIDMatch: true,
	FamilyRFIDAlarm: true,
	FamilyNHB:       true,
}

// ExpectsResponse reports whether verb is an expect-response command.
func ExpectsResponse(verb string) bool { return expectResponse[verb] }

// Frame is one line-delimited record, inbound or outbound.
type Frame struct {
	Verb string
	Args []string
	Raw  string
}

// Family classifies the frame by its verb.
func (f Frame) Family() Family {
	switch f.Verb {
	case "heartbeat", "nhb", "rfid_get", "rfid_match", "rfid_alarm", "meter_read", "hls_read":
		return Family(f.Verb)
	default:
		return FamilyUnknown
	}
}

// Encode renders the frame as an outbound wire record: "verb(a,b,c)\n".
func (f Frame) Encode() string {
	return fmt.Sprintf("%s(%s)\n", f.Verb, strings.Join(f.Args, ","))
}

// NewCommand builds an outbound frame for verb with the given args.
func NewCommand(verb string, args ...string) Frame {
	return Frame{Verb: verb, Args: args}
}

// ParseFrame parses one inbound line of the form "verb(arg1,arg2,...)".
// Malformed lines return an error, which callers log and ignore. A
// well-formed line with an unrecognized verb parses without error and
// classifies as FamilyUnknown.
func ParseFrame(line string) (Frame, error) {
	line = strings.TrimSpace(line)
	open := strings.IndexByte(line, '(')
	if open < 0 || !strings.HasSuffix(line, ")") {
		return Frame{}, fmt.Errorf("nozzle: malformed frame %q", line)
	}
	verb := line[:open]
	if verb == "" {
		return Frame{}, fmt.Errorf("nozzle: malformed frame %q", line)
	}
	body := line[open+1 : len(line)-1]
	var args []string
	if body != "" {
		args = strings.Split(body, ",")
	}
	return Frame{Verb: verb, Args: args, Raw: line}, nil
}
