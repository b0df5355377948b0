package transport

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/cuemby/mscluster/pkg/types"
)

// ServicePath is the HTTP path every management server serves PDUs on
const ServicePath = "/clusterservice"

// Form field names of the cluster service protocol
const (
	fieldMethod      = "method"
	fieldSeq         = "pduSeq"
	fieldAckSeq      = "pduAckSeq"
	fieldSourcePeer  = "sourcePeer"
	fieldDestPeer    = "destPeer"
	fieldAgentID     = "agentId"
	fieldPackage     = "gsonPackage"
	fieldStopOnError = "stopOnError"
	fieldPduType     = "pduType"
	fieldDispatcher  = "dispatcher"
	fieldPduError    = "pduError"
	fieldCallingPeer = "callingPeer"
)

// successBody is the literal body of every accepted request
const successBody = "true"

// EncodePdu renders pdu as a DELIVER_PDU form
func EncodePdu(pdu *types.ClusterServicePdu) url.Values {
	form := url.Values{}
	form.Set(fieldMethod, strconv.Itoa(int(types.MethodDeliverPdu)))
	form.Set(fieldSeq, strconv.FormatUint(pdu.SequenceID, 10))
	form.Set(fieldAckSeq, strconv.FormatUint(pdu.AckSequenceID, 10))
	form.Set(fieldSourcePeer, pdu.SourcePeer)
	form.Set(fieldDestPeer, pdu.DestPeer)
	form.Set(fieldAgentID, strconv.FormatInt(pdu.AgentID, 10))
	form.Set(fieldPackage, pdu.Package)
	form.Set(fieldStopOnError, formatBool(pdu.StopOnError))
	form.Set(fieldPduType, strconv.Itoa(int(pdu.Type)))
	if pdu.Dispatcher != "" {
		form.Set(fieldDispatcher, pdu.Dispatcher)
	}
	if pdu.Error != "" {
		form.Set(fieldPduError, pdu.Error)
	}
	return form
}

// DecodePdu parses the fields of a DELIVER_PDU form
func DecodePdu(form url.Values) (*types.ClusterServicePdu, error) {
	pdu := &types.ClusterServicePdu{
		SourcePeer: form.Get(fieldSourcePeer),
		DestPeer:   form.Get(fieldDestPeer),
		Package:    form.Get(fieldPackage),
		Dispatcher: form.Get(fieldDispatcher),
		Error:      form.Get(fieldPduError),
	}

	var err error
	if pdu.SequenceID, err = parseUint(form, fieldSeq); err != nil {
		return nil, err
	}
	if pdu.AckSequenceID, err = parseUint(form, fieldAckSeq); err != nil {
		return nil, err
	}
	if pdu.AgentID, err = parseInt(form, fieldAgentID); err != nil {
		return nil, err
	}

	// Only "1" means true; any other value is false
	pdu.StopOnError = form.Get(fieldStopOnError) == "1"

	pduType, err := parseInt(form, fieldPduType)
	if err != nil {
		return nil, err
	}
	pdu.Type = types.PduType(pduType)
	if !pdu.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown pdu type %d", ErrMalformedPdu, pduType)
	}

	if pdu.SourcePeer == "" || pdu.DestPeer == "" {
		return nil, fmt.Errorf("%w: source and destination peers are required", ErrMalformedPdu)
	}
	if pdu.Type == types.PduTypeResponse && pdu.AckSequenceID == 0 {
		return nil, fmt.Errorf("%w: response without %s", ErrMalformedPdu, fieldAckSeq)
	}
	return pdu, nil
}

// pingForm renders a PING request from callingPeer
func pingForm(callingPeer string) url.Values {
	form := url.Values{}
	form.Set(fieldMethod, strconv.Itoa(int(types.MethodPing)))
	form.Set(fieldCallingPeer, callingPeer)
	return form
}

// parseMethod returns MethodUnknown when the method field is not a number
func parseMethod(form url.Values) types.RemoteMethod {
	method, err := strconv.Atoi(form.Get(fieldMethod))
	if err != nil {
		return types.MethodUnknown
	}
	return types.RemoteMethod(method)
}

func parseUint(form url.Values, field string) (uint64, error) {
	raw := form.Get(field)
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid %s %q", ErrMalformedPdu, field, raw)
	}
	return v, nil
}

func parseInt(form url.Values, field string) (int64, error) {
	raw := form.Get(field)
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid %s %q", ErrMalformedPdu, field, raw)
	}
	return v, nil
}

func formatBool(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
