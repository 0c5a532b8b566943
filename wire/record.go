package wire

import (
	"encoding/binary"
	"fmt"
)

// RequestKind tags the operation a Request carries (spec §3).
type RequestKind int32

const (
	Register RequestKind = iota
	Unregister
	CreateTable
	ReadOne
	Count
	ReadTables
	ReadColumns
	ReadAll
	SubscribeKey
	UnsubscribeKey
	WriteRow
	CancelLast
	DeleteOne
	DeleteAll
	ChangeDB
)

func (k RequestKind) String() string {
	switch k {
	case Register:
		return "Register"
	case Unregister:
		return "Unregister"
	case CreateTable:
		return "CreateTable"
	case ReadOne:
		return "ReadOne"
	case Count:
		return "Count"
	case ReadTables:
		return "ReadTables"
	case ReadColumns:
		return "ReadColumns"
	case ReadAll:
		return "ReadAll"
	case SubscribeKey:
		return "SubscribeKey"
	case UnsubscribeKey:
		return "UnsubscribeKey"
	case WriteRow:
		return "WriteRow"
	case CancelLast:
		return "CancelLast"
	case DeleteOne:
		return "DeleteOne"
	case DeleteAll:
		return "DeleteAll"
	case ChangeDB:
		return "ChangeDB"
	default:
		return fmt.Sprintf("RequestKind(%d)", int32(k))
	}
}

// sqlKinds are the request kinds that flow through C4's dispatcher queue
// rather than being handled synchronously inside the broker core (spec §4.4).
var sqlKinds = map[RequestKind]bool{
	CreateTable: true,
	ReadOne:     true,
	Count:       true,
	ReadTables:  true,
	ReadColumns: true,
	ReadAll:     true,
	WriteRow:    true,
	DeleteOne:   true,
	DeleteAll:   true,
}

// IsSQLKind reports whether k must be queued for serial SQL execution.
func (k RequestKind) IsSQLKind() bool { return sqlKinds[k] }

// ResponseKind tags the content of a Response (spec §3).
type ResponseKind int32

const (
	Confirmation ResponseKind = iota
	Initialized
	ItemData
	Tables
	Columns
	CountResp
	WriteAck
	DeleteAck
	DeleteAllAck
	UpdateNotify
	DeleteNotify
)

func (k ResponseKind) String() string {
	switch k {
	case Confirmation:
		return "Confirmation"
	case Initialized:
		return "Initialized"
	case ItemData:
		return "ItemData"
	case Tables:
		return "Tables"
	case Columns:
		return "Columns"
	case CountResp:
		return "Count"
	case WriteAck:
		return "WriteAck"
	case DeleteAck:
		return "DeleteAck"
	case DeleteAllAck:
		return "DeleteAllAck"
	case UpdateNotify:
		return "UpdateNotify"
	case DeleteNotify:
		return "DeleteNotify"
	default:
		return fmt.Sprintf("ResponseKind(%d)", int32(k))
	}
}

// isNotifyKind reports whether k is one of the two fan-out notification
// kinds, whose frame carries only an item_key and no status (spec §4.1).
func (k ResponseKind) isNotifyKind() bool {
	return k == UpdateNotify || k == DeleteNotify
}

// ErrorCode is the entire error-reporting surface (spec §3/§7).
type ErrorCode int32

const (
	NoError ErrorCode = iota
	InitializationError
	NotFoundError
	AlreadyExistError
	UndefinedError
)

func (e ErrorCode) String() string {
	switch e {
	case NoError:
		return "NoError"
	case InitializationError:
		return "InitializationError"
	case NotFoundError:
		return "NotFoundError"
	case AlreadyExistError:
		return "AlreadyExistError"
	case UndefinedError:
		return "UndefinedError"
	default:
		return fmt.Sprintf("ErrorCode(%d)", int32(e))
	}
}

// Request is the wire record a client sends to the broker's request
// channel: client_id | kind | item_key | payload (spec §3/§4.1).
type Request struct {
	ClientID int32
	Kind     RequestKind
	ItemKey  Value
	Payload  string
}

// Response is the wire record the broker sends back over a client's
// response channel: kind | status | body... (spec §3/§4.1). For
// notification kinds, Body must hold exactly one Value (the item_key) and
// Status is not transmitted.
type Response struct {
	Kind   ResponseKind
	Status ErrorCode
	Body   []Value
}

// EncodeRequest renders r as a single self-delimited frame payload. The
// caller (the ipc package) is responsible for length-prefixing this on
// the wire; EncodeRequest never frames itself.
func EncodeRequest(r Request) []byte {
	buf := make([]byte, 0, 16+len(r.Payload))
	buf = appendInt32(buf, r.ClientID)
	buf = appendInt32(buf, int32(r.Kind))
	buf = encodeValue(buf, r.ItemKey)
	buf = appendLengthPrefixed(buf, []byte(r.Payload))
	return buf
}

// DecodeRequest parses a frame previously produced by EncodeRequest.
func DecodeRequest(buf []byte) (Request, error) {
	clientID, buf, err := takeInt32(buf)
	if err != nil {
		return Request{}, fmt.Errorf("wire: request client_id: %w", err)
	}
	kind, buf, err := takeInt32(buf)
	if err != nil {
		return Request{}, fmt.Errorf("wire: request kind: %w", err)
	}
	key, buf, err := decodeValue(buf)
	if err != nil {
		return Request{}, fmt.Errorf("wire: request item_key: %w", err)
	}
	payload, buf, err := decodeLengthPrefixed(buf)
	if err != nil {
		return Request{}, fmt.Errorf("wire: request payload: %w", err)
	}
	if len(buf) != 0 {
		return Request{}, fmt.Errorf("wire: request frame has %d trailing bytes", len(buf))
	}
	return Request{
		ClientID: clientID,
		Kind:     RequestKind(kind),
		ItemKey:  key,
		Payload:  string(payload),
	}, nil
}

// EncodeResponse renders r as a single self-delimited frame payload,
// choosing the layout (confirmation / notify / status+body) per spec §4.1.
func EncodeResponse(r Response) []byte {
	buf := make([]byte, 0, 8)
	buf = appendInt32(buf, int32(r.Kind))

	switch {
	case r.Kind == Confirmation:
		return buf
	case r.Kind.isNotifyKind():
		var key Value
		if len(r.Body) > 0 {
			key = r.Body[0]
		}
		return encodeValue(buf, key)
	default:
		buf = appendInt32(buf, int32(r.Status))
		for _, v := range r.Body {
			buf = encodeValue(buf, v)
		}
		return buf
	}
}

// DecodeResponse parses a frame previously produced by EncodeResponse.
func DecodeResponse(buf []byte) (Response, error) {
	kindN, buf, err := takeInt32(buf)
	if err != nil {
		return Response{}, fmt.Errorf("wire: response kind: %w", err)
	}
	kind := ResponseKind(kindN)

	switch {
	case kind == Confirmation:
		if len(buf) != 0 {
			return Response{}, fmt.Errorf("wire: confirmation frame has %d trailing bytes", len(buf))
		}
		return Response{Kind: kind}, nil

	case kind.isNotifyKind():
		key, rest, err := decodeValue(buf)
		if err != nil {
			return Response{}, fmt.Errorf("wire: response item_key: %w", err)
		}
		if len(rest) != 0 {
			return Response{}, fmt.Errorf("wire: notify frame has %d trailing bytes", len(rest))
		}
		return Response{Kind: kind, Body: []Value{key}}, nil

	default:
		statusN, buf, err := takeInt32(buf)
		if err != nil {
			return Response{}, fmt.Errorf("wire: response status: %w", err)
		}
		var body []Value
		for len(buf) > 0 {
			var v Value
			v, buf, err = decodeValue(buf)
			if err != nil {
				return Response{}, fmt.Errorf("wire: response body: %w", err)
			}
			body = append(body, v)
		}
		return Response{Kind: kind, Status: ErrorCode(statusN), Body: body}, nil
	}
}

func appendInt32(buf []byte, n int32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(n))
	return append(buf, b[:]...)
}

func takeInt32(buf []byte) (int32, []byte, error) {
	if len(buf) < 4 {
		return 0, nil, fmt.Errorf("truncated int32")
	}
	n := int32(binary.LittleEndian.Uint32(buf[:4]))
	return n, buf[4:], nil
}
