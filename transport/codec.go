package transport

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// encMode uses Core Deterministic Encoding so the same reply always
// produces the same bytes.
var encMode cbor.EncMode

// decMode decodes any-typed maps as map[string]any and signed and
// unsigned integers alike as int64.
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("transport: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		IntDec:         cbor.IntDecConvertSignedOrFail,
	}.DecMode()
	if err != nil {
		panic("transport: CBOR decoder initialization failed: " + err.Error())
	}
}

// Call is the one value a client writes after connecting.
type Call struct {
	Operation string         `cbor:"operation"`
	Params    map[string]any `cbor:"params,omitempty"`

	// Session overrides the caller's session. Only root peers may set it.
	Session string `cbor:"session,omitempty"`
}

// Frame is one reply on the wire. A connection carries zero or more
// progress frames and then exactly one Final frame.
type Frame struct {
	Final bool           `cbor:"final"`
	Reply map[string]any `cbor:"reply"`
}

// normalize turns decoded integers back into int, the type replies are
// built with.
func normalize(reply map[string]any) map[string]any {
	for k, v := range reply {
		if n, ok := v.(int64); ok {
			reply[k] = int(n)
		}
	}
	return reply
}
