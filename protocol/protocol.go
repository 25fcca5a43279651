package protocol

import "fmt"

// Body is a request or response body tagged with the API it belongs to.
type Body interface {
	Encoder
	Key() int16
	Version() int16
}

type ResponseBody interface {
	Encoder
	VersionedDecoder
}

// Request is the framed form of a request body: a size prefix, the API
// key/version, a correlation id, the client id, then the body.
type Request struct {
	CorrelationID int32
	ClientID      string
	Body          Body
}

func (r *Request) Encode(pe PacketEncoder) (err error) {
	pe.Push(&SizeField{})
	pe.PutInt16(r.Body.Key())
	pe.PutInt16(r.Body.Version())
	pe.PutInt32(r.CorrelationID)
	if err = pe.PutString(r.ClientID); err != nil {
		return err
	}
	if err = r.Body.Encode(pe); err != nil {
		return err
	}
	pe.Pop()
	return nil
}

func (r *Request) Decode(pd PacketDecoder) (err error) {
	var key int16
	if key, err = pd.Int16(); err != nil {
		return err
	}
	var version int16
	if version, err = pd.Int16(); err != nil {
		return err
	}
	if r.CorrelationID, err = pd.Int32(); err != nil {
		return err
	}
	if r.ClientID, err = pd.String(); err != nil {
		return err
	}
	body := allocateBody(key, version)
	if body == nil {
		return fmt.Errorf("protocol: unknown request key: %d", key)
	}
	if err = body.Decode(pd, version); err != nil {
		return err
	}
	r.Body = body.(Body)
	return nil
}

func allocateBody(key, version int16) VersionedDecoder {
	switch key {
	case LeaderAndISRKey:
		return &LeaderAndISRRequest{}
	case StopReplicaKey:
		return &StopReplicaRequest{}
	case UpdateMetadataKey:
		return &UpdateMetadataRequest{}
	case ControlledShutdownKey:
		return &ControlledShutdownRequest{}
	}
	return nil
}

// Response frames a response body with a size prefix and the correlation id
// of the request it answers.
type Response struct {
	Size          int32
	CorrelationID int32
	Body          ResponseBody
}

func (r Response) Encode(pe PacketEncoder) (err error) {
	pe.Push(&SizeField{})
	pe.PutInt32(r.CorrelationID)
	if err = r.Body.Encode(pe); err != nil {
		return err
	}
	pe.Pop()
	return nil
}

func (r *Response) Decode(pd PacketDecoder, version int16) (err error) {
	if r.Size, err = pd.Int32(); err != nil {
		return err
	}
	if r.CorrelationID, err = pd.Int32(); err != nil {
		return err
	}
	if r.Body != nil {
		return r.Body.Decode(pd, version)
	}
	return nil
}

// RequestHeader is the decoded fixed prefix of a framed request.
type RequestHeader struct {
	Size          int32
	APIKey        int16
	APIVersion    int16
	CorrelationID int32
	ClientID      string
}

func (r *RequestHeader) Decode(d PacketDecoder) error {
	var err error
	if r.Size, err = d.Int32(); err != nil {
		return err
	}
	if r.APIKey, err = d.Int16(); err != nil {
		return err
	}
	if r.APIVersion, err = d.Int16(); err != nil {
		return err
	}
	if r.CorrelationID, err = d.Int32(); err != nil {
		return err
	}
	r.ClientID, err = d.String()
	return err
}

func (r *RequestHeader) String() string {
	return fmt.Sprintf(
		"correlation id: %d, api key: %d, client: %s, size: %d",
		r.CorrelationID,
		r.APIKey,
		r.ClientID,
		r.Size,
	)
}
