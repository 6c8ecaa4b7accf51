package engine

import lua "github.com/yuin/gopher-lua"

// Callbacks probed after every successful load.
const (
	OnLogin             = "OnLogin"
	OnSignal            = "OnSignal"
	ThreadRun           = "ThreadRun"
	OnSendChat          = "OnSendChat"
	OnReceivedChat      = "OnReceivedChat"
	OnInstantMsg        = "OnInstantMsg"
	OnAutomationMessage = "OnAutomationMessage"
	OnAutomationRequest = "OnAutomationRequest"
	OnTimer             = "OnTimer"
	OnQuit              = "OnQuit"
)

var Callbacks = []string{
	OnLogin,
	OnSignal,
	ThreadRun,
	OnSendChat,
	OnReceivedChat,
	OnInstantMsg,
	OnAutomationMessage,
	OnAutomationRequest,
	OnTimer,
	OnQuit,
}

type contract struct {
	typ  lua.LValueType
	desc string
}

// contracts lists callbacks that must return exactly one value of a type.
var contracts = map[string]contract{
	ThreadRun:           {lua.LTBool, "boolean"},
	OnSendChat:          {lua.LTString, "string"},
	OnAutomationRequest: {lua.LTString, "string"},
}
