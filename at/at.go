package at

const (
	// Terminal Control
	CRLF   = "\r\n"
	Prompt = "> "

	// Response Codes
	OK         = "OK"
	ERROR      = "ERROR"
	NoCarrier  = "NO CARRIER"
	NoDialtone = "NO DIALTONE"
	Busy       = "BUSY"
	NoAnswer   = "NO ANSWER"
	CmeError   = "+CME ERROR:"
	CmsError   = "+CMS ERROR:"

	// URCs (Unsolicited Result Codes)
	UrcCreg           = "+CREG:"
	UrcCgreg          = "+CGREG:"
	UrcCereg          = "+CEREG:"
	UrcSocketData     = "+UUSORD:"
	UrcDatagramData   = "+UUSORF:"
	UrcSocketClosed   = "+UUSOCL:"
	UrcPsdActivated   = "+UUPSDA:"
	UrcPsdDeactivated = "+UUPSDD:"

	// SIM states reported by +CPIN?
	SimReady = "READY"
	SimPin   = "SIM PIN"
)

// Commands that carry no parameters.
const (
	CmdAt            = "AT"
	CmdEchoOff       = "ATE0"
	CmdVerboseErrors = "AT+CMEE=2"
	CmdSimStatus     = "AT+CPIN?"
	CmdAttachStatus  = "AT+CGATT?"
	CmdAttach        = "AT+CGATT=1"
	CmdDetach        = "AT+CGATT=0"
	CmdFullFunction  = "AT+CFUN=1"
)

type ResponseType int

const (
	TypeFinal  ResponseType = iota // OK, ERROR
	TypeURC                        // Asynchronous notifications
	TypeData                       // Intermediate command output (+CSQ: ...)
	TypePrompt                     // Data input prompt
)

func (t ResponseType) String() string {
	switch t {
	case TypeFinal:
		return "final"
	case TypeURC:
		return "urc"
	case TypeData:
		return "data"
	case TypePrompt:
		return "prompt"
	default:
		return "unknown"
	}
}
