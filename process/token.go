package process

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/najoast/snipc/core"
	"github.com/najoast/snipc/network"
	"github.com/najoast/snipc/shm"
)

// TokenFlag is the command line flag that carries a bootstrap token.
const TokenFlag = "newprocess"

const (
	tokenSeparator = ","
	tokenFields    = 7
	tokenShmMarker = "shm"
)

// Token tells a spawned process who it is, who asked for it and where its
// transport endpoints are. Its text form is seven comma separated fields:
//
//	type,req_manager,req_component,req_channel,manager,read_fd,write_fd
//
// A ring transport keeps the arity: field six is "shm" and field seven is
// the segment identifier.
type Token struct {
	Type      core.ComponentType
	Requester core.Address
	Manager   core.ManagerID
	Transport network.TransportKind
	ReadFD    int
	WriteFD   int
	Segment   shm.Identifier
}

// Encode renders the token text.
func (t Token) Encode() string {
	fields := []string{
		strconv.FormatUint(uint64(t.Type), 10),
		strconv.FormatUint(uint64(t.Requester.Manager), 10),
		strconv.FormatUint(uint64(t.Requester.Component), 10),
		strconv.FormatUint(uint64(t.Requester.Channel), 10),
		strconv.FormatUint(uint64(t.Manager), 10),
	}
	switch t.Transport {
	case network.TransportRing:
		fields = append(fields, tokenShmMarker, t.Segment.String())
	default:
		fields = append(fields, strconv.Itoa(t.ReadFD), strconv.Itoa(t.WriteFD))
	}
	return strings.Join(fields, tokenSeparator)
}

func (t Token) String() string {
	return t.Encode()
}

// DecodeToken parses token text. Any deviation from the format is a
// *TokenError; nothing is guessed.
func DecodeToken(s string) (Token, error) {
	fields := strings.Split(s, tokenSeparator)
	if len(fields) != tokenFields {
		return Token{}, &TokenError{Err: fmt.Errorf("expected %d fields, got %d", tokenFields, len(fields))}
	}

	var tok Token

	typ, err := parseField("type", fields[0], 8)
	if err != nil {
		return Token{}, err
	}
	tok.Type = core.ComponentType(typ)
	if !tok.Type.Valid() {
		return Token{}, &TokenError{Field: "type", Value: fields[0], Err: core.ErrUnknownComponentType}
	}

	reqManager, err := parseField("req_manager", fields[1], 32)
	if err != nil {
		return Token{}, err
	}
	reqComponent, err := parseField("req_component", fields[2], 32)
	if err != nil {
		return Token{}, err
	}
	reqChannel, err := parseField("req_channel", fields[3], 32)
	if err != nil {
		return Token{}, err
	}
	tok.Requester = core.Address{
		Manager:   core.ManagerID(reqManager),
		Component: core.ComponentID(reqComponent),
		Channel:   core.ChannelID(reqChannel),
	}
	if tok.Requester.Manager == 0 {
		return Token{}, &TokenError{Field: "req_manager", Value: fields[1], Err: errors.New("requester has no manager")}
	}

	manager, err := parseField("manager", fields[4], 32)
	if err != nil {
		return Token{}, err
	}
	tok.Manager = core.ManagerID(manager)
	if tok.Manager == 0 || tok.Manager == tok.Requester.Manager {
		return Token{}, &TokenError{Field: "manager", Value: fields[4], Err: errors.New("invalid manager id")}
	}

	if fields[5] == tokenShmMarker {
		id, err := shm.ParseIdentifier(fields[6])
		if err != nil {
			return Token{}, &TokenError{Field: "segment", Value: fields[6], Err: err}
		}
		tok.Transport = network.TransportRing
		tok.Segment = id
		tok.ReadFD, tok.WriteFD = -1, -1
		return tok, nil
	}

	tok.Transport = network.TransportPipe
	if tok.ReadFD, err = parseFD("read_fd", fields[5]); err != nil {
		return Token{}, err
	}
	if tok.WriteFD, err = parseFD("write_fd", fields[6]); err != nil {
		return Token{}, err
	}
	return tok, nil
}

func parseField(name, value string, bits int) (uint64, error) {
	v, err := strconv.ParseUint(value, 10, bits)
	if err != nil {
		return 0, &TokenError{Field: name, Value: value, Err: err}
	}
	return v, nil
}

func parseFD(name, value string) (int, error) {
	v, err := strconv.ParseInt(value, 10, 32)
	if err != nil {
		return -1, &TokenError{Field: name, Value: value, Err: err}
	}
	if v < 0 {
		return -1, &TokenError{Field: name, Value: value, Err: errors.New("negative descriptor")}
	}
	return int(v), nil
}

// Endpoint resolves the token's transport endpoint. A ring token opens
// its segment through mgr.
func (t Token) Endpoint(mgr *shm.Manager) (network.Endpoint, error) {
	switch t.Transport {
	case network.TransportPipe:
		return network.PipeEndpoint(t.ReadFD, t.WriteFD), nil
	case network.TransportRing:
		if mgr == nil {
			return network.Endpoint{}, fmt.Errorf("ring token needs a shared memory manager")
		}
		seg, err := mgr.Open(t.Segment)
		if err != nil {
			return network.Endpoint{}, err
		}
		return network.RingEndpoint(seg, network.RingOpener), nil
	default:
		return network.Endpoint{}, fmt.Errorf("unsupported transport: %s", t.Transport)
	}
}
