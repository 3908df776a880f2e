/*
 * This file is part of the KubeVirt project
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 * Copyright The KubeVirt Authors.
 *
 */

package livemerge

import (
	"encoding/json"
	"encoding/xml"

	"libvirt.org/go/libvirtxml"

	"kubevirt.io/client-go/log"
)

// jobsElement is the single element this package owns inside the domain's
// <metadata> block. libvirt hands the whole <metadata> subtree back as raw
// inner XML (libvirtxml.DomainMetadata.XML), since its contents are owned by
// whichever namespaced client wrote them; this package only ever parses out
// and replaces its own <jobs> element.
type jobsElement struct {
	XMLName xml.Name `xml:"jobs"`
	JSON    string   `xml:",chardata"`
}

// metadataWrapper lets jobsElement be unmarshalled out of the raw inner XML
// libvirtxml.DomainMetadata.XML hands back, which has no single root
// element of its own.
type metadataWrapper struct {
	XMLName xml.Name    `xml:"metadata"`
	Jobs    jobsElement `xml:"jobs"`
}

// MetadataStore is the persistence adapter: it reads and writes the full
// job table as a single JSON blob stored inside the VM's libvirt metadata.
// It never merges; callers read, mutate the returned map, and call Store
// with the full replacement.
type MetadataStore struct {
	hv Hypervisor
}

// NewMetadataStore wraps a Hypervisor capability for job-table persistence.
func NewMetadataStore(hv Hypervisor) *MetadataStore {
	return &MetadataStore{hv: hv}
}

// rawJobs returns the persisted job table as raw, per-id JSON messages,
// deferring field-level decoding to the caller. Returns an empty map if no
// metadata has been written yet or the stored blob is malformed.
func (m *MetadataStore) rawJobs() map[string]json.RawMessage {
	raw := map[string]json.RawMessage{}

	xmlDoc, err := m.hv.XMLDesc()
	if err != nil {
		log.Log.Reason(err).Warning("livemerge: failed to read domain XML for job metadata, assuming no jobs")
		return raw
	}

	var dom libvirtxml.Domain
	if err := domainFromXML(xmlDoc, &dom); err != nil {
		log.Log.Reason(err).Warning("livemerge: failed to parse domain XML for job metadata, assuming no jobs")
		return raw
	}
	if dom.Metadata == nil || dom.Metadata.XML == "" {
		return raw
	}

	var wrapper metadataWrapper
	if err := xml.Unmarshal([]byte("<metadata>"+dom.Metadata.XML+"</metadata>"), &wrapper); err != nil || wrapper.Jobs.JSON == "" {
		return raw
	}

	if err := json.Unmarshal([]byte(wrapper.Jobs.JSON), &raw); err != nil {
		log.Log.Reason(err).Warning("livemerge: failed to parse persisted jobs blob, treating as empty")
		return map[string]json.RawMessage{}
	}
	return raw
}

// Load returns the full persisted job map, decoded into Job's known
// fields. A malformed blob is logged and treated as empty rather than
// surfaced as an error: the coordinator must keep functioning even if a
// previous version wrote an incompatible format.
func (m *MetadataStore) Load() map[string]Job {
	jobs := map[string]Job{}
	for id, raw := range m.rawJobs() {
		var job Job
		if err := json.Unmarshal(raw, &job); err != nil {
			log.Log.Reason(err).Warningf("livemerge: failed to parse persisted job %s, dropping it", id)
			continue
		}
		jobs[id] = job
	}
	return jobs
}

// Store atomically replaces the persisted job table. The libvirt
// setMetadata RPC is the serialisation point with external observers: once
// it returns, any reader of the domain XML sees the full new map. The
// payload is just this package's own <jobs> element, matching how
// virDomainSetMetadata takes the fragment for a single namespaced element
// rather than the whole <metadata> block.
//
// Each job is re-merged against whatever was already persisted under the
// same id before being re-encoded, so a field this version of Job doesn't
// model (written by a newer or older build sharing the same metadata)
// survives a Load/Store round trip instead of being silently dropped.
func (m *MetadataStore) Store(jobs map[string]Job) error {
	existing := m.rawJobs()

	merged := make(map[string]json.RawMessage, len(jobs))
	for id, job := range jobs {
		known, err := json.Marshal(job)
		if err != nil {
			return err
		}
		var knownFields map[string]json.RawMessage
		if err := json.Unmarshal(known, &knownFields); err != nil {
			return err
		}

		fields := map[string]json.RawMessage{}
		if raw, ok := existing[id]; ok {
			_ = json.Unmarshal(raw, &fields)
		}
		for k, v := range knownFields {
			fields[k] = v
		}

		mergedJob, err := json.Marshal(fields)
		if err != nil {
			return err
		}
		merged[id] = mergedJob
	}

	payload, err := json.Marshal(merged)
	if err != nil {
		return err
	}

	out, err := xml.Marshal(jobsElement{JSON: string(payload)})
	if err != nil {
		return err
	}

	return m.hv.SetMetadata(string(out))
}
