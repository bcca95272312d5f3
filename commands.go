package main

import (
	"encoding/json"

	"github.com/efficientgo/core/errors"

	"github.com/MatthiasValvekens/bench-orchestrator/device/atlona"
	"github.com/MatthiasValvekens/bench-orchestrator/device/cfimager"
	"github.com/MatthiasValvekens/bench-orchestrator/device/frontpanel"
	"github.com/MatthiasValvekens/bench-orchestrator/device/keyboard"
	"github.com/MatthiasValvekens/bench-orchestrator/device/mouse"
	"github.com/MatthiasValvekens/bench-orchestrator/ws"
)

// The register*Commands functions wire the WS command router
// to each driver's enqueue methods. The power meter is a pure sensor and
// accepts no inbound commands; the router logs and swallows any frame
// addressed to it, per its own contract.

type mouseCommand struct {
	Action string  `json:"action"`
	Button int     `json:"button"`
	DX     float64 `json:"dx"`
	DY     float64 `json:"dy"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Wheel  int     `json:"wheel"`
	Mode   string  `json:"mode"`
}

func registerMouseCommands(router *ws.CommandRouter, d *mouse.Driver) {
	router.Register("ps2Mouse", func(payload json.RawMessage, requestedBy string) error {
		var cmd mouseCommand
		if err := json.Unmarshal(payload, &cmd); err != nil {
			return errors.Wrap(err, "malformed ps2Mouse command")
		}
		switch cmd.Action {
		case "click":
			d.Click(requestedBy, cmd.Button)
		case "moveRelative":
			d.MoveRelative(cmd.DX, cmd.DY)
		case "moveAbsolute":
			d.MoveAbsolute(cmd.X, cmd.Y)
		case "wheel":
			d.Wheel(requestedBy, cmd.Wheel)
		case "setMode":
			d.SetMode(mouse.Mode(cmd.Mode))
		default:
			return errors.Newf("unknown ps2Mouse action %q", cmd.Action)
		}
		return nil
	})
}

type keyCommand struct {
	Action string `json:"action"`
	Key    int    `json:"key"`
}

func registerKeyboardCommands(router *ws.CommandRouter, d *keyboard.Driver) {
	router.Register("ps2Keyboard", func(payload json.RawMessage, requestedBy string) error {
		var cmd keyCommand
		if err := json.Unmarshal(payload, &cmd); err != nil {
			return errors.Wrap(err, "malformed ps2Keyboard command")
		}
		switch cmd.Action {
		case "keyDown":
			d.KeyDown(requestedBy, cmd.Key)
		case "keyUp":
			d.KeyUp(requestedBy, cmd.Key)
		default:
			return errors.Newf("unknown ps2Keyboard action %q", cmd.Action)
		}
		return nil
	})
}

type switchCommand struct {
	Action string `json:"action"`
	ID     int    `json:"id"`
}

func registerAtlonaCommands(router *ws.CommandRouter, d *atlona.Driver) {
	router.Register("atlonaController", func(payload json.RawMessage, requestedBy string) error {
		var cmd switchCommand
		if err := json.Unmarshal(payload, &cmd); err != nil {
			return errors.Wrap(err, "malformed atlonaController command")
		}
		switch cmd.Action {
		case "hold":
			d.Hold(requestedBy, cmd.ID)
		case "release":
			d.Release(requestedBy, cmd.ID)
		default:
			return errors.Newf("unknown atlonaController action %q", cmd.Action)
		}
		return nil
	})
}

type frontPanelCommand struct {
	Action string `json:"action"`
}

func registerFrontPanelCommands(router *ws.CommandRouter, d *frontpanel.Driver) {
	router.Register("frontPanel", func(payload json.RawMessage, requestedBy string) error {
		var cmd frontPanelCommand
		if err := json.Unmarshal(payload, &cmd); err != nil {
			return errors.Wrap(err, "malformed frontPanel command")
		}
		switch cmd.Action {
		case "powerHold":
			d.PowerHold(requestedBy)
		case "powerRelease":
			d.PowerRelease(requestedBy)
		case "resetHold":
			d.ResetHold(requestedBy)
		default:
			return errors.Newf("unknown frontPanel action %q", cmd.Action)
		}
		return nil
	})
}

type cfCommand struct {
	Action string `json:"action"`
	Path   string `json:"path"`
	From   string `json:"from"`
	To     string `json:"to"`
	Query  string `json:"query"`
	Data   []byte `json:"data"`
}

func registerCFImagerCommands(router *ws.CommandRouter, d *cfimager.Driver) {
	router.Register("cfImager", func(payload json.RawMessage, requestedBy string) error {
		var cmd cfCommand
		if err := json.Unmarshal(payload, &cmd); err != nil {
			return errors.Wrap(err, "malformed cfImager command")
		}
		switch cmd.Action {
		case "changeDir":
			d.Submit(requestedBy, cfimager.CmdChangeDir, cfimager.ChangeDirPayload{Path: cmd.Path})
		case "createFolder":
			d.Submit(requestedBy, cfimager.CmdCreateFolder, cfimager.CreateFolderPayload{Path: cmd.Path})
		case "rename":
			d.Submit(requestedBy, cfimager.CmdRename, cfimager.RenamePayload{From: cmd.From, To: cmd.To})
		case "move":
			d.Submit(requestedBy, cfimager.CmdMove, cfimager.MovePayload{From: cmd.From, To: cmd.To})
		case "delete":
			d.Submit(requestedBy, cfimager.CmdDelete, cfimager.DeletePayload{Path: cmd.Path})
		case "readImage":
			d.Submit(requestedBy, cfimager.CmdReadImage, cfimager.ReadImagePayload{Path: cmd.Path})
		case "writeImage":
			d.Submit(requestedBy, cfimager.CmdWriteImage, cfimager.WriteImagePayload{Path: cmd.Path, Data: cmd.Data})
		case "search":
			d.Submit(requestedBy, cfimager.CmdSearch, cfimager.SearchPayload{Query: cmd.Query})
		default:
			return errors.Newf("unknown cfImager action %q", cmd.Action)
		}
		return nil
	})
}
