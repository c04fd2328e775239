package orchestrator

// snapshotAll writes every node and link through the diagnostic store, a
// no-op when no store was configured via WithSnapshotStore.
func (o *Orchestrator) snapshotAll() {
	if o.snap == nil {
		return
	}

	for _, n := range o.top.Nodes() {
		o.snapshotNode(n.Name)
	}

	for _, l := range o.top.Links() {
		id := l.ID.String()
		if err := o.snap.PutLink(id, l); err != nil {
			log.Warn("snapshotting link %s: %v", id, err)
		}
	}
}

// snapshotNode writes one node's current state, called at every quiescent
// point that mutates it (build, live add, association transitions).
func (o *Orchestrator) snapshotNode(name string) {
	if o.snap == nil {
		return
	}

	n, ok := o.top.NodeByName(name)
	if !ok {
		return
	}

	if err := o.snap.PutNode(name, n); err != nil {
		log.Warn("snapshotting node %s: %v", name, err)
	}
}

// broadcastAssoc pushes an association transition out over the telemetry
// websocket, a no-op when no hub was configured via WithTelemetryHub.
func (o *Orchestrator) broadcastAssoc(station, ap string, associated bool) {
	if o.hub == nil {
		return
	}

	o.hub.Broadcast(struct {
		Station    string `json:"station"`
		AP         string `json:"ap"`
		Associated bool   `json:"associated"`
	}{station, ap, associated})
}

// recordAssocEvent appends an association-state transition to the
// diagnostic store's event log (SPEC_FULL.md §4 "so a crash can be
// diagnosed post-mortem").
func (o *Orchestrator) recordAssocEvent(station, ap string, associated bool) {
	if o.snap == nil {
		return
	}

	o.snapSeq++
	evt := struct {
		Station    string `json:"station"`
		AP         string `json:"ap"`
		Associated bool   `json:"associated"`
	}{station, ap, associated}

	if err := o.snap.RecordEvent(o.snapSeq, evt); err != nil {
		log.Warn("recording association event %s<->%s: %v", station, ap, err)
	}
}
