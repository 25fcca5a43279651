package protocol

// UpdateMetadataBroker describes a live broker and the endpoint clients and
// replicas reach it on.
type UpdateMetadataBroker struct {
	ID   int32
	Host string
	Port int32
}

type UpdateMetadataRequest struct {
	APIVersion int16

	ControllerID    int32
	ControllerEpoch int32
	PartitionStates []*PartitionState
	LiveBrokers     []*UpdateMetadataBroker
}

func (r *UpdateMetadataRequest) Encode(e PacketEncoder) (err error) {
	e.PutInt32(r.ControllerID)
	e.PutInt32(r.ControllerEpoch)
	if err = e.PutArrayLength(len(r.PartitionStates)); err != nil {
		return err
	}
	for _, p := range r.PartitionStates {
		if err = e.PutString(p.Topic); err != nil {
			return err
		}
		e.PutInt32(p.Partition)
		e.PutInt32(p.ControllerEpoch)
		e.PutInt32(p.Leader)
		e.PutInt32(p.LeaderEpoch)
		if err = e.PutInt32Array(p.ISR); err != nil {
			return err
		}
		e.PutInt32(p.ZKVersion)
		if err = e.PutInt32Array(p.Replicas); err != nil {
			return err
		}
	}
	if err = e.PutArrayLength(len(r.LiveBrokers)); err != nil {
		return err
	}
	for _, b := range r.LiveBrokers {
		e.PutInt32(b.ID)
		if err = e.PutString(b.Host); err != nil {
			return err
		}
		e.PutInt32(b.Port)
	}
	return nil
}

func (r *UpdateMetadataRequest) Decode(d PacketDecoder, version int16) (err error) {
	r.APIVersion = version
	if r.ControllerID, err = d.Int32(); err != nil {
		return err
	}
	if r.ControllerEpoch, err = d.Int32(); err != nil {
		return err
	}
	stateCount, err := d.ArrayLength()
	if err != nil {
		return err
	}
	r.PartitionStates = make([]*PartitionState, stateCount)
	for i := range r.PartitionStates {
		ps := new(PartitionState)
		if ps.Topic, err = d.String(); err != nil {
			return err
		}
		if ps.Partition, err = d.Int32(); err != nil {
			return err
		}
		if ps.ControllerEpoch, err = d.Int32(); err != nil {
			return err
		}
		if ps.Leader, err = d.Int32(); err != nil {
			return err
		}
		if ps.LeaderEpoch, err = d.Int32(); err != nil {
			return err
		}
		if ps.ISR, err = d.Int32Array(); err != nil {
			return err
		}
		if ps.ZKVersion, err = d.Int32(); err != nil {
			return err
		}
		if ps.Replicas, err = d.Int32Array(); err != nil {
			return err
		}
		r.PartitionStates[i] = ps
	}
	brokerCount, err := d.ArrayLength()
	if err != nil {
		return err
	}
	r.LiveBrokers = make([]*UpdateMetadataBroker, brokerCount)
	for i := range r.LiveBrokers {
		b := new(UpdateMetadataBroker)
		if b.ID, err = d.Int32(); err != nil {
			return err
		}
		if b.Host, err = d.String(); err != nil {
			return err
		}
		if b.Port, err = d.Int32(); err != nil {
			return err
		}
		r.LiveBrokers[i] = b
	}
	return nil
}

func (r *UpdateMetadataRequest) Key() int16 {
	return UpdateMetadataKey
}

func (r *UpdateMetadataRequest) Version() int16 {
	return r.APIVersion
}
