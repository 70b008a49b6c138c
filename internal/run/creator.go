package run

import (
	"context"
	"regexp"
	"strconv"
	"time"

	"tyger/internal/apperr"
	"tyger/internal/backend"
	"tyger/internal/buffer"
	"tyger/internal/store"
)

// CreateRunRequest is what a caller submits to create a run (spec.md
// §4.5 "Admission").
type CreateRunRequest struct {
	Kind              store.RunKind
	CodespecRef       string // "name" or "name/versions/N"
	Buffers           map[string]string
	Tags              map[string]string
	WorkerCodespecRef string
	WorkerReplicas    int
	Cluster           string
	TimeoutSeconds    int
}

var codespecRefRE = regexp.MustCompile(`^([^/]+)(?:/versions/(\d+))?$`)

func parseCodespecRef(ref string) (name string, version int, err error) {
	m := codespecRefRE.FindStringSubmatch(ref)
	if m == nil {
		return "", 0, apperr.Wrap(apperr.Validation, "parseCodespecRef", "malformed codespec reference %q", ref)
	}
	if m[2] != "" {
		version, _ = strconv.Atoi(m[2])
	}
	return m[1], version, nil
}

// CreateRun admits, binds buffers, materializes topology and submits a
// run exactly as spec.md §4.5 describes.
func (s *Service) CreateRun(ctx context.Context, req CreateRunRequest) (store.Run, error) {
	job, worker, err := s.admit(ctx, req)
	if err != nil {
		return store.Run{}, err
	}

	bufferIDs, err := s.bindBuffers(ctx, job, req.Buffers)
	if err != nil {
		return store.Run{}, err
	}

	cluster := req.Cluster
	if cluster == "" {
		cluster = s.cfg.Cluster
	}

	r, err := s.store.CreateRun(ctx, store.Run{
		Kind: req.Kind,
		Target: store.RunTarget{
			CodespecRef:       job.QualifiedName(),
			Buffers:           bufferIDs,
			Tags:              req.Tags,
			WorkerCodespecRef: workerRefString(worker),
			WorkerReplicas:    req.WorkerReplicas,
		},
		Cluster:        cluster,
		TimeoutSeconds: req.TimeoutSeconds,
	})
	if err != nil {
		return store.Run{}, err
	}

	if err := s.materialize(ctx, r, job, worker, req); err != nil {
		reason := err.Error()
		_, _ = s.store.UpdateRunStatus(ctx, r.ID, store.RunStatusFailed, reason)
		return store.Run{}, apperr.Wrap(apperr.Validation, "CreateRun", "backend rejected run: %s", reason)
	}

	if err := s.store.MarkResourcesCreated(ctx, r.ID); err != nil {
		return store.Run{}, err
	}

	// Track each binding's first access-URL issuance so the run-secret
	// updater finds it and refreshes it before it expires.
	issuedAt := time.Now().UTC()
	for name, id := range r.Target.Buffers {
		if buffer.IsEphemeral(id) {
			continue
		}
		if err := s.store.UpsertRunSecretTracking(ctx, store.RunSecretTracking{
			RunID: r.ID, BufferName: name, IssuedAt: issuedAt, ExpiresAt: issuedAt.Add(s.cfg.AccessURLTTL),
		}); err != nil {
			return store.Run{}, err
		}
	}

	// Single-host acceptance implies Running; cluster acceptance stays
	// Pending until the scheduler places the Pod (spec.md §4.5
	// "Submission").
	if _, ok := backend.AsPipeBackend(s.be); ok {
		r, err = s.store.UpdateRunStatus(ctx, r.ID, store.RunStatusRunning, "")
		if err != nil {
			return store.Run{}, err
		}
	} else {
		r, err = s.store.GetRun(ctx, r.ID)
		if err != nil {
			return store.Run{}, err
		}
	}

	return r, nil
}

func workerRefString(worker *store.Codespec) string {
	if worker == nil {
		return ""
	}
	return worker.QualifiedName()
}

// admit resolves and validates the codespec references, per spec.md
// §4.5 "Admission".
func (s *Service) admit(ctx context.Context, req CreateRunRequest) (job *store.Codespec, worker *store.Codespec, err error) {
	name, version, err := parseCodespecRef(req.CodespecRef)
	if err != nil {
		return nil, nil, err
	}
	c, err := s.store.GetCodespec(ctx, name, version)
	if err != nil {
		if apperr.KindOf(err) == apperr.NotFound {
			return nil, nil, apperr.Wrap(apperr.Validation, "admit", "unknown codespec %q", req.CodespecRef)
		}
		return nil, nil, err
	}
	job = &c

	if req.WorkerCodespecRef != "" {
		if _, ok := backend.AsWorkerBackend(s.be); !ok {
			return nil, nil, apperr.Wrap(apperr.Validation, "admit", "worker codespecs are only allowed on a cluster backend")
		}
		wname, wversion, perr := parseCodespecRef(req.WorkerCodespecRef)
		if perr != nil {
			return nil, nil, perr
		}
		wc, werr := s.store.GetCodespec(ctx, wname, wversion)
		if werr != nil {
			if apperr.KindOf(werr) == apperr.NotFound {
				return nil, nil, apperr.Wrap(apperr.Validation, "admit", "unknown worker codespec %q", req.WorkerCodespecRef)
			}
			return nil, nil, werr
		}
		worker = &wc
	}

	if job.Resources.GPU > 0 && !s.be.Capabilities().Has(backend.CapGPU) {
		return nil, nil, apperr.Wrap(apperr.Validation, "admit", "codespec requests GPU resources the backend does not support")
	}

	if _, ok := backend.AsPipeBackend(s.be); ok {
		info, ierr := s.be.GetSystemInfo(ctx)
		if ierr == nil && info.HasImage != nil && !info.HasImage(job.Image) {
			return nil, nil, apperr.Wrap(apperr.Validation, "admit", "image %q does not exist on the backend host", job.Image)
		}
	}

	return job, worker, nil
}

// bindBuffers resolves every declared input/output parameter to a
// concrete buffer id (spec.md §4.5 "Buffer binding").
func (s *Service) bindBuffers(ctx context.Context, job *store.Codespec, supplied map[string]string) (map[string]string, error) {
	declared := map[string]bool{}
	writeable := map[string]bool{}
	for _, n := range job.InputBuffers {
		declared[n] = true
	}
	for _, n := range job.OutputBuffers {
		declared[n] = true
		writeable[n] = true
	}

	for name := range supplied {
		if !declared[name] {
			return nil, apperr.Wrap(apperr.Validation, "bindBuffers", "buffer binding %q is not a declared parameter", name)
		}
	}
	for name := range declared {
		if _, ok := supplied[name]; !ok {
			return nil, apperr.Wrap(apperr.Validation, "bindBuffers", "missing buffer binding for declared parameter %q", name)
		}
	}

	out := make(map[string]string, len(supplied))
	for name, id := range supplied {
		if buffer.IsEphemeral(id) {
			out[name] = id
			continue
		}
		if _, err := s.buffers.GetBuffer(ctx, id); err != nil {
			return nil, err
		}
		out[name] = id
	}
	return out, nil
}

// materialize creates the backend objects for r's topology (spec.md
// §4.5 "Topology"), dispatching on the backend's optional capabilities
// rather than a type switch on backend kind (spec.md §9).
func (s *Service) materialize(ctx context.Context, r store.Run, job, worker *store.Codespec, req CreateRunRequest) error {
	bufferNames := make([]string, 0, len(r.Target.Buffers))
	for name := range r.Target.Buffers {
		bufferNames = append(bufferNames, name)
	}

	env := computeEnv(job, r)

	if pb, ok := backend.AsPipeBackend(s.be); ok {
		return s.materializeLocal(ctx, r, job, pb, bufferNames, env)
	}
	return s.materializeCluster(ctx, r, job, worker, req, bufferNames, env)
}

func computeEnv(job *store.Codespec, r store.Run) map[string]string {
	env := make(map[string]string, len(job.Env)+2*len(r.Target.Buffers))
	for k, v := range job.Env {
		env[k] = v
	}
	return env
}

// materializeLocal implements the single-host topology: named pipes and
// access files under runSecretsPath/<runId>/..., one sidecar container
// per binding, one main container (spec.md §4.5).
func (s *Service) materializeLocal(ctx context.Context, r store.Run, job *store.Codespec, pb backend.PipeBackend, bufferNames []string, env map[string]string) error {
	pipesDir, accessDir, tombstoneDir, err := pb.PreparePipes(runIDLabel(r.ID), bufferNames)
	if err != nil {
		_ = pb.WriteTombstone(runIDLabel(r.ID))
		return err
	}

	writeableSet := writeableBufferSet(job)

	for name, bufferID := range r.Target.Buffers {
		pipePath := pipesDir + "/" + name
		accessPath := accessDir + "/" + name
		env[name+"_PIPE"] = pipePath
		env[name+"_BUFFER_URI_FILE"] = accessPath

		access, aerr := s.buffers.CreateBufferAccessUrls(ctx, []buffer.AccessRequest{{ID: bufferID, Writeable: writeableSet[name]}}, buffer.AccessOptions{TTL: int64(s.cfg.AccessURLTTL.Seconds())})
		if aerr != nil {
			_ = pb.WriteTombstone(runIDLabel(r.ID))
			return aerr
		}
		if len(access) == 1 && access[0].Access != nil {
			_ = writeAccessFile(accessPath, access[0].Access.URL)
		}

		mode := "read"
		if writeableSet[name] {
			mode = "write"
		}
		sidecarSpec := backend.ContainerSpec{
			Name:    sidecarContainerName(r.ID, name),
			Image:   sidecarImage,
			Command: []string{"tyger-sidecar", mode, accessPath, pipePath, "--tombstone", tombstoneDir + "/tombstone"},
			Labels: map[string]string{
				backend.RunLabel:          runIDLabel(r.ID),
				backend.RunContainerLabel: "sidecar",
				backend.RunBufferLabel:    name,
			},
			Mounts: []backend.Mount{
				{HostPath: pipesDir, ContainerPath: pipesDir},
				{HostPath: accessDir, ContainerPath: accessDir, ReadOnly: true},
				{HostPath: tombstoneDir, ContainerPath: tombstoneDir},
			},
		}
		if err := s.be.CreateContainer(ctx, sidecarSpec); err != nil {
			_ = pb.WriteTombstone(runIDLabel(r.ID))
			return err
		}
		if err := s.be.StartContainer(ctx, sidecarSpec.Name); err != nil {
			_ = pb.WriteTombstone(runIDLabel(r.ID))
			return err
		}
	}

	mainSpec := backend.ContainerSpec{
		Name:    mainContainerName(r.ID),
		Image:   job.Image,
		Command: expandAll(job.Entrypoint, env),
		Args:    expandAll(job.Args, env),
		Env:     env,
		Labels: map[string]string{
			backend.RunLabel:          runIDLabel(r.ID),
			backend.RunContainerLabel: "main",
		},
		Mounts:    []backend.Mount{{HostPath: pipesDir, ContainerPath: pipesDir}},
		Resources: backend.Resources{CPU: job.Resources.CPULimit, Memory: job.Resources.MemoryLimit, GPU: job.Resources.GPU},
	}
	if err := s.be.CreateContainer(ctx, mainSpec); err != nil {
		_ = pb.WriteTombstone(runIDLabel(r.ID))
		return err
	}
	if err := s.be.StartContainer(ctx, mainSpec.Name); err != nil {
		_ = pb.WriteTombstone(runIDLabel(r.ID))
		return err
	}

	return nil
}

// materializeCluster implements the clustered topology: one Pod with a
// main container and one sidecar container per binding, an optional
// worker StatefulSet, and a Secret carrying access URLs (spec.md §4.5).
func (s *Service) materializeCluster(ctx context.Context, r store.Run, job, worker *store.Codespec, req CreateRunRequest, bufferNames []string, env map[string]string) error {
	writeableSet := writeableBufferSet(job)
	accessFiles := make(map[string][]byte, len(r.Target.Buffers))

	var containers []backend.ContainerSpec
	for name, bufferID := range r.Target.Buffers {
		env[name+"_PIPE"] = "/tyger/pipes/" + name
		env[name+"_BUFFER_URI_FILE"] = "/tyger/access/" + name

		access, aerr := s.buffers.CreateBufferAccessUrls(ctx, []buffer.AccessRequest{{ID: bufferID, Writeable: writeableSet[name]}}, buffer.AccessOptions{TTL: int64(s.cfg.AccessURLTTL.Seconds())})
		if aerr != nil {
			return aerr
		}
		if len(access) == 1 && access[0].Access != nil {
			accessFiles[name] = []byte(access[0].Access.URL)
		}

		mode := "read"
		if writeableSet[name] {
			mode = "write"
		}
		containers = append(containers, backend.ContainerSpec{
			Name:    "sidecar-" + name,
			Image:   sidecarImage,
			Command: []string{"tyger-sidecar", mode, "/tyger/access/" + name, "/tyger/pipes/" + name},
			Labels:  map[string]string{backend.RunBufferLabel: name},
		})
	}

	if sb, ok := backend.AsSecretBackend(s.be); ok && len(accessFiles) > 0 {
		if err := sb.PublishRunSecret(ctx, runIDLabel(r.ID), accessFiles); err != nil {
			return err
		}
	}

	containers = append(containers, backend.ContainerSpec{
		Name:      "main",
		Image:     job.Image,
		Command:   expandAll(job.Entrypoint, env),
		Args:      expandAll(job.Args, env),
		Env:       env,
		Resources: backend.Resources{CPU: job.Resources.CPULimit, Memory: job.Resources.MemoryLimit, GPU: job.Resources.GPU},
	})

	var initContainers []backend.ContainerSpec
	if worker != nil {
		wb, _ := backend.AsWorkerBackend(s.be)
		name := WorkerSetName(r.ID)
		if err := wb.CreateWorkerSet(ctx, backend.WorkerSetSpec{
			RunID:    runIDLabel(r.ID),
			Name:     name,
			Image:    worker.Image,
			Command:  worker.Entrypoint,
			Args:     worker.Args,
			Env:      worker.Env,
			Replicas: req.WorkerReplicas,
		}); err != nil {
			return err
		}
		initContainers = append(initContainers, workerWaiterInitContainer(name, req.WorkerReplicas))
	}

	pg, ok := backend.AsPodGroupBackend(s.be)
	if !ok {
		return apperr.Wrap(apperr.Internal, "materializeCluster", "cluster backend does not support pod groups")
	}
	// CreateRun returns once the Pod is submitted; worker-set readiness is
	// gated inside the Pod by the worker-waiter init container above, not
	// by blocking this call (spec.md §4.5 "Submission": cluster acceptance
	// stays Pending until the scheduler places the Pod).
	return pg.CreatePodGroup(ctx, runIDLabel(r.ID), initContainers, containers)
}

// workerWaiterInitContainer blocks the main pod's containers from
// starting until n worker endpoints resolve over the worker set's
// headless Service DNS name, implementing spec.md §4.5's "worker-waiter
// init container on main that blocks until workers report endpoints
// ready" without the control plane itself blocking on readiness.
func workerWaiterInitContainer(workerSetName string, n int) backend.ContainerSpec {
	return backend.ContainerSpec{
		Name:    "wait-workers",
		Image:   sidecarImage,
		Command: []string{"tyger-sidecar", "wait-workers", workerSetName, strconv.Itoa(n)},
	}
}

func writeableBufferSet(job *store.Codespec) map[string]bool {
	w := make(map[string]bool, len(job.OutputBuffers))
	for _, n := range job.OutputBuffers {
		w[n] = true
	}
	return w
}

const sidecarImage = "tyger/sidecar:latest"

func writeAccessFile(path, url string) error {
	return atomicWriteFile(path, []byte(url))
}
