// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package loader

import (
	"bufio"
	"encoding/json"
	"io"
	"os/exec"

	"github.com/google/uuid"

	"github.com/abstractmachines/edgegate/errors"
	"github.com/abstractmachines/edgegate/logger"
	"github.com/abstractmachines/edgegate/pkg/message"
	"github.com/abstractmachines/edgegate/pkg/modapi"
	"github.com/abstractmachines/edgegate/pkg/wire"
)

// OutOfProcessEntrypoint describes the remote module host binary to spawn
// and an opaque control-channel token to hand it; here it is just passed as
// the process's first argument, since the transport itself is this loader's
// stdio pipes rather than anything the token needs to name.
//
// OutOfProcessLoader models remote module hosting as just another loader
// whose Create returns a proxy handle: neither the broker nor the gateway
// graph manager need know the module is remote.
type OutOfProcessEntrypoint struct {
	Command      string   `json:"command"`
	Args         []string `json:"args"`
	ChannelToken string   `json:"channel_token"`
}

// OutOfProcessLoader spawns a subprocess per module and proxies the module
// contract over the canonical framing in pkg/wire.
type OutOfProcessLoader struct {
	name   string
	logger logger.Logger
}

// NewOutOfProcessLoader constructs an OutOfProcessLoader registered under
// name.
func NewOutOfProcessLoader(name string) *OutOfProcessLoader {
	return &OutOfProcessLoader{name: name, logger: logger.NewMock()}
}

func (l *OutOfProcessLoader) Name() string { return l.name }
func (l *OutOfProcessLoader) Type() Type   { return TypeOutOfProcess }

type outOfProcessLibrary struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

func (l *OutOfProcessLoader) Load(entrypoint interface{}) (interface{}, error) {
	ep, ok := entrypoint.(*OutOfProcessEntrypoint)
	if !ok || ep == nil || ep.Command == "" {
		return nil, errors.Wrap(errors.ErrInvalid, errors.New("out-of-process loader requires a command"))
	}
	if ep.ChannelToken == "" {
		ep.ChannelToken = uuid.New().String()
	}

	args := append([]string{ep.ChannelToken}, ep.Args...)
	cmd := exec.Command(ep.Command, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Wrap(errors.ErrResourceExhausted, errors.New("failed to open stdin pipe: "+err.Error()))
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(errors.ErrResourceExhausted, errors.New("failed to open stdout pipe: "+err.Error()))
	}
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrap(errors.ErrLoaderFailure, errors.New("failed to spawn module host process: "+err.Error()))
	}

	return &outOfProcessLibrary{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

func (l *OutOfProcessLoader) Unload(libraryHandle interface{}) error {
	lib, ok := libraryHandle.(*outOfProcessLibrary)
	if !ok {
		return errors.Wrap(errors.ErrInvalid, errors.New("library handle is not an out-of-process module"))
	}
	_ = lib.stdin.Close()
	_ = lib.stdout.Close()
	return lib.cmd.Wait()
}

func (l *OutOfProcessLoader) GetAPI(libraryHandle interface{}) (modapi.Module, error) {
	lib, ok := libraryHandle.(*outOfProcessLibrary)
	if !ok {
		return nil, errors.Wrap(errors.ErrInvalid, errors.New("library handle is not an out-of-process module"))
	}
	return &outOfProcessModule{lib: lib, logger: l.logger}, nil
}

func (l *OutOfProcessLoader) ParseEntrypointFromJSON(data []byte) (interface{}, error) {
	ep := &OutOfProcessEntrypoint{}
	if err := json.Unmarshal(data, ep); err != nil {
		return nil, errors.Wrap(errors.ErrInvalid, errors.New("malformed out-of-process entrypoint: "+err.Error()))
	}
	return ep, nil
}

func (l *OutOfProcessLoader) FreeEntrypoint(entrypoint interface{}) {}

func (l *OutOfProcessLoader) ParseConfigurationFromJSON(data []byte) (interface{}, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var cfg map[string]interface{}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(errors.ErrInvalid, errors.New("malformed out-of-process loader configuration: "+err.Error()))
	}
	return cfg, nil
}

func (l *OutOfProcessLoader) FreeConfiguration(config interface{}) {}

func (l *OutOfProcessLoader) BuildModuleConfiguration(entrypoint, moduleConfig interface{}) (interface{}, error) {
	return moduleConfig, nil
}

func (l *OutOfProcessLoader) FreeModuleConfiguration(config interface{}) {}

// outOfProcessModule is the modapi.Module adapter for remotely hosted
// modules.
type outOfProcessModule struct {
	lib    *outOfProcessLibrary
	logger logger.Logger
}

func (m *outOfProcessModule) APIVersion() int { return modapi.CurrentAPIVersion }

func (m *outOfProcessModule) ParseConfigurationFromJSON(text []byte) (interface{}, error) {
	return text, nil
}

func (m *outOfProcessModule) FreeConfiguration(interface{}) {}

func (m *outOfProcessModule) Create(broker modapi.Broker, config interface{}) (modapi.Handle, error) {
	cfgBytes, _ := config.([]byte)

	h := &outOfProcessHandle{
		lib:    m.lib,
		reader: bufio.NewReader(m.lib.stdout),
		broker: broker,
		logger: m.logger,
	}

	if err := wire.Write(m.lib.stdin, wire.Frame{Kind: wire.KindCreate, Payload: cfgBytes}); err != nil {
		return nil, err
	}

	go h.pump()

	return h, nil
}

// outOfProcessHandle is the running proxy for a remotely hosted module.
// Gateway -> process frames (Create, Start, Destroy, Publish) carry the
// module contract calls; process -> gateway frames (Publish) carry messages
// the remote module originates, and PublishReply acknowledges a delivery.
type outOfProcessHandle struct {
	lib    *outOfProcessLibrary
	reader *bufio.Reader
	broker modapi.Broker
	logger logger.Logger
}

func (h *outOfProcessHandle) pump() {
	for {
		frame, err := wire.Read(h.reader)
		if err != nil {
			return
		}
		switch frame.Kind {
		case wire.KindPublish:
			msg, err := message.Deserialize(frame.Payload)
			if err != nil {
				h.logger.Warn("out-of-process module sent an undecodable message: " + err.Error())
				continue
			}
			_ = h.broker.Publish(msg)
		case wire.KindPublishReply:
			// Best-effort acknowledgement of a gateway-initiated
			// Publish frame; nothing to do but let the worker move on.
		}
	}
}

func (h *outOfProcessHandle) Receive(msg message.Message) {
	_ = wire.Write(h.lib.stdin, wire.Frame{Kind: wire.KindPublish, Payload: msg.Serialize()})
}

func (h *outOfProcessHandle) Start() {
	_ = wire.Write(h.lib.stdin, wire.Frame{Kind: wire.KindStart})
}

func (h *outOfProcessHandle) Destroy() {
	_ = wire.Write(h.lib.stdin, wire.Frame{Kind: wire.KindDestroy})
}
