// Package kubernetes is the clustered-orchestrator backend of spec.md
// §4.5/§6. It is grounded on the teacher's internal/kubernetes/runtime.go
// (buildRestConfig's in-cluster/kubeconfig split, clientset construction,
// label-selector discovery of Pods, Deployment/Secret/ConfigMap
// creation), generalized from one Deployment-per-bot to a Pod-per-run
// group (main + buffer sidecars in one Pod, spec.md §4.5 "co-scheduled
// with main") plus an optional worker StatefulSet.
package kubernetes

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"tyger/internal/apperr"
	"tyger/internal/backend"
)

// Config configures the cluster backend's REST connection and target
// namespace.
type Config struct {
	Namespace  string
	Kubeconfig string // empty means in-cluster config
	Context    string
}

// Backend implements backend.ContainerBackend, backend.PodGroupBackend,
// backend.WorkerBackend and backend.SecretBackend against a Kubernetes
// cluster.
type Backend struct {
	cfg       Config
	clientset kubernetes.Interface
}

var (
	_ backend.ContainerBackend = (*Backend)(nil)
	_ backend.PodGroupBackend  = (*Backend)(nil)
	_ backend.WorkerBackend    = (*Backend)(nil)
	_ backend.SecretBackend    = (*Backend)(nil)
)

// New builds a cluster Backend. Namespace must be set.
func New(cfg Config) (*Backend, error) {
	if cfg.Namespace == "" {
		return nil, apperr.Wrap(apperr.Internal, "kubernetes.New", "namespace must be set")
	}
	restConfig, err := buildRestConfig(cfg)
	if err != nil {
		return nil, apperr.New(apperr.Internal, "kubernetes.New", err)
	}
	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, apperr.New(apperr.Internal, "kubernetes.New", err)
	}
	return &Backend{cfg: cfg, clientset: clientset}, nil
}

func buildRestConfig(cfg Config) (*rest.Config, error) {
	if cfg.Kubeconfig == "" {
		restConfig, err := rest.InClusterConfig()
		if err != nil {
			return nil, fmt.Errorf("in-cluster config: %w", err)
		}
		return restConfig, nil
	}

	clientConfig, err := clientcmd.NewClientConfigFromBytes([]byte(cfg.Kubeconfig))
	if err != nil {
		return nil, fmt.Errorf("parsing kubeconfig: %w", err)
	}
	if cfg.Context != "" {
		raw, err := clientConfig.RawConfig()
		if err != nil {
			return nil, fmt.Errorf("reading kubeconfig: %w", err)
		}
		raw.CurrentContext = cfg.Context
		clientConfig = clientcmd.NewDefaultClientConfig(raw, &clientcmd.ConfigOverrides{})
	}
	return clientConfig.ClientConfig()
}

// Capabilities reports the cluster backend's worker-set support; GPU
// support depends on cluster node pools and is not auto-detected here
// (admission treats it as unsupported unless a future node-feature
// discovery integration sets it).
func (b *Backend) Capabilities() backend.Capability { return backend.CapWorkers }

func (b *Backend) Close() error { return nil }

func labelSelectorString(sel map[string]string) string {
	parts := make([]string, 0, len(sel))
	for k, v := range sel {
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, ",")
}

func (b *Backend) ListContainers(ctx context.Context, labelSelector map[string]string) ([]backend.ContainerStatus, error) {
	list, err := b.clientset.CoreV1().Pods(b.cfg.Namespace).List(ctx, metav1.ListOptions{
		LabelSelector: labelSelectorString(labelSelector),
	})
	if err != nil {
		return nil, wrapK8sErr("ListContainers", err)
	}
	var out []backend.ContainerStatus
	for _, pod := range list.Items {
		out = append(out, statusesFromPod(&pod)...)
	}
	return out, nil
}

func (b *Backend) InspectContainer(ctx context.Context, name string) (backend.ContainerStatus, error) {
	podName, containerName := splitContainerRef(name)
	pod, err := b.clientset.CoreV1().Pods(b.cfg.Namespace).Get(ctx, podName, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return backend.ContainerStatus{}, apperr.New(apperr.NotFound, "InspectContainer", err)
		}
		return backend.ContainerStatus{}, wrapK8sErr("InspectContainer", err)
	}
	for _, st := range statusesFromPod(pod) {
		if containerName == "" || st.Name == name || strings.HasSuffix(st.Name, "/"+containerName) {
			return st, nil
		}
	}
	return backend.ContainerStatus{}, apperr.Wrap(apperr.NotFound, "InspectContainer", "container %s not found in pod %s", containerName, podName)
}

// CreateContainer creates a single-container Pod; used for standalone
// containers outside a run's co-scheduled main+sidecar group (e.g.
// one-off system runs). The run creator's normal path for a user run
// uses CreatePodGroup instead.
func (b *Backend) CreateContainer(ctx context.Context, spec backend.ContainerSpec) error {
	pod := podTemplate(spec.Name, b.cfg.Namespace, spec.Labels, nil, []backend.ContainerSpec{spec})
	_, err := b.clientset.CoreV1().Pods(b.cfg.Namespace).Create(ctx, pod, metav1.CreateOptions{})
	if err != nil {
		return wrapK8sErr("CreateContainer", err)
	}
	return nil
}

// CreatePodGroup places every container of a run (main plus buffer
// sidecars) into one Pod so they share network and, via a shared
// emptyDir, the named-pipe filesystem (spec.md §4.5 "co-scheduled with
// main"). initContainers run to completion, in order, before any
// container in containers starts — the run creator uses this to gate
// main on worker-set readiness via a worker-waiter init container
// instead of blocking on it itself.
func (b *Backend) CreatePodGroup(ctx context.Context, runID string, initContainers, containers []backend.ContainerSpec) error {
	labels := backend.LabelSelector(runID)
	pod := podTemplate("tyger-run-"+runID, b.cfg.Namespace, labels, initContainers, containers)
	// Mount the run's access Secret (see PublishRunSecret) read-only at
	// /tyger/access in every container; optional, since a run without
	// access URLs publishes no Secret.
	optional := true
	pod.Spec.Volumes = append(pod.Spec.Volumes, corev1.Volume{
		Name: "run-access",
		VolumeSource: corev1.VolumeSource{Secret: &corev1.SecretVolumeSource{
			SecretName: "tyger-run-" + runID + "-access",
			Optional:   &optional,
		}},
	})
	for i := range pod.Spec.Containers {
		pod.Spec.Containers[i].VolumeMounts = append(pod.Spec.Containers[i].VolumeMounts,
			corev1.VolumeMount{Name: "run-access", MountPath: "/tyger/access", ReadOnly: true})
	}
	_, err := b.clientset.CoreV1().Pods(b.cfg.Namespace).Create(ctx, pod, metav1.CreateOptions{})
	if err != nil {
		return wrapK8sErr("CreatePodGroup", err)
	}
	return nil
}

func podTemplate(podName, namespace string, groupLabels map[string]string, initSpecs, specs []backend.ContainerSpec) *corev1.Pod {
	sharedVolume := "run-pipes"
	volumes := []corev1.Volume{{
		Name:         sharedVolume,
		VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}},
	}}

	podLabels := map[string]string{}
	for k, v := range groupLabels {
		podLabels[k] = v
	}

	toContainer := func(spec backend.ContainerSpec) corev1.Container {
		env := make([]corev1.EnvVar, 0, len(spec.Env))
		for k, v := range spec.Env {
			env = append(env, corev1.EnvVar{Name: k, Value: v})
		}
		mounts := []corev1.VolumeMount{{Name: sharedVolume, MountPath: "/tyger/pipes"}}
		for _, m := range spec.Mounts {
			mounts = append(mounts, corev1.VolumeMount{MountPath: m.ContainerPath, ReadOnly: m.ReadOnly, Name: sharedVolume, SubPath: strings.TrimPrefix(m.HostPath, "/")})
		}
		return corev1.Container{
			Name:         spec.Name,
			Image:        spec.Image,
			Command:      spec.Command,
			Args:         spec.Args,
			Env:          env,
			VolumeMounts: mounts,
			SecurityContext: &corev1.SecurityContext{
				Privileged: &spec.Privileged,
			},
		}
	}

	initContainers := make([]corev1.Container, 0, len(initSpecs))
	for _, spec := range initSpecs {
		initContainers = append(initContainers, toContainer(spec))
		for k, v := range spec.Labels {
			podLabels[k] = v
		}
	}

	containers := make([]corev1.Container, 0, len(specs))
	for _, spec := range specs {
		containers = append(containers, toContainer(spec))
		for k, v := range spec.Labels {
			podLabels[k] = v
		}
	}

	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      podName,
			Namespace: namespace,
			Labels:    podLabels,
		},
		Spec: corev1.PodSpec{
			InitContainers: initContainers,
			Containers:     containers,
			Volumes:        volumes,
			RestartPolicy:  corev1.RestartPolicyNever,
		},
	}
}

func (b *Backend) StartContainer(ctx context.Context, name string) error {
	// Pods start on creation; nothing to do beyond CreateContainer/CreatePodGroup.
	return nil
}

func (b *Backend) KillContainer(ctx context.Context, name string) error {
	podName, _ := splitContainerRef(name)
	grace := int64(0)
	err := b.clientset.CoreV1().Pods(b.cfg.Namespace).Delete(ctx, podName, metav1.DeleteOptions{GracePeriodSeconds: &grace})
	if err != nil && !apierrors.IsNotFound(err) {
		return wrapK8sErr("KillContainer", err)
	}
	return nil
}

func (b *Backend) RemoveContainer(ctx context.Context, name string) error {
	podName, _ := splitContainerRef(name)
	err := b.clientset.CoreV1().Pods(b.cfg.Namespace).Delete(ctx, podName, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return wrapK8sErr("RemoveContainer", err)
	}
	return nil
}

func (b *Backend) GetContainerLogs(ctx context.Context, name string, opts backend.LogOptions) (io.ReadCloser, error) {
	podName, containerName := splitContainerRef(name)
	plo := &corev1.PodLogOptions{
		Container:  containerName,
		Follow:     opts.Follow,
		Timestamps: opts.Timestamps,
	}
	if opts.Tail > 0 {
		tail := int64(opts.Tail)
		plo.TailLines = &tail
	}
	if opts.Since > 0 {
		sinceTime := metav1.NewTime(unixTime(opts.Since))
		plo.SinceTime = &sinceTime
	}
	req := b.clientset.CoreV1().Pods(b.cfg.Namespace).GetLogs(podName, plo)
	rc, err := req.Stream(ctx)
	if err != nil {
		return nil, wrapK8sErr("GetContainerLogs", err)
	}
	return rc, nil
}

// MonitorEvents watches Pods matching labelSelector, grounded on the
// teacher's reliance on client-go watch.Interface for live updates
// (generalized here from a polling health check to a genuine watch).
func (b *Backend) MonitorEvents(ctx context.Context, labelSelector map[string]string) (<-chan backend.Event, error) {
	w, err := b.clientset.CoreV1().Pods(b.cfg.Namespace).Watch(ctx, metav1.ListOptions{
		LabelSelector: labelSelectorString(labelSelector),
	})
	if err != nil {
		return nil, wrapK8sErr("MonitorEvents", err)
	}

	out := make(chan backend.Event)
	go func() {
		defer close(out)
		defer w.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.ResultChan():
				if !ok {
					return
				}
				pod, ok := ev.Object.(*corev1.Pod)
				if !ok {
					continue
				}
				out <- backend.Event{
					Type:          mapWatchEvent(ev.Type),
					ContainerName: pod.Name,
					Labels:        pod.Labels,
				}
			}
		}
	}()
	return out, nil
}

func (b *Backend) GetSystemInfo(ctx context.Context) (backend.SystemInfo, error) {
	return backend.SystemInfo{
		HasImage: func(string) bool { return true }, // image presence is the scheduler's problem on a cluster
	}, nil
}

// CreateWorkerSet creates a StatefulSet of N replica workers addressable
// by stable DNS via a headless Service, per spec.md §4.5's worker set.
func (b *Backend) CreateWorkerSet(ctx context.Context, spec backend.WorkerSetSpec) error {
	replicas := int32(spec.Replicas)
	labels := map[string]string{backend.RunLabel: spec.RunID, "tyger-worker-set": spec.Name}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	svc := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Name: spec.Name, Labels: labels},
		Spec: corev1.ServiceSpec{
			ClusterIP: corev1.ClusterIPNone,
			Selector:  labels,
		},
	}
	if _, err := b.clientset.CoreV1().Services(b.cfg.Namespace).Create(ctx, svc, metav1.CreateOptions{}); err != nil && !apierrors.IsAlreadyExists(err) {
		return wrapK8sErr("CreateWorkerSet", err)
	}

	env := make([]corev1.EnvVar, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, corev1.EnvVar{Name: k, Value: v})
	}

	ss := &appsv1.StatefulSet{
		ObjectMeta: metav1.ObjectMeta{Name: spec.Name, Labels: labels},
		Spec: appsv1.StatefulSetSpec{
			ServiceName: spec.Name,
			Replicas:    &replicas,
			Selector:    &metav1.LabelSelector{MatchLabels: labels},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{{
						Name:    "worker",
						Image:   spec.Image,
						Command: spec.Command,
						Args:    spec.Args,
						Env:     env,
					}},
				},
			},
		},
	}
	if _, err := b.clientset.AppsV1().StatefulSets(b.cfg.Namespace).Create(ctx, ss, metav1.CreateOptions{}); err != nil {
		return wrapK8sErr("CreateWorkerSet", err)
	}
	return nil
}

func (b *Backend) RemoveWorkerSet(ctx context.Context, runID, name string) error {
	if err := b.clientset.AppsV1().StatefulSets(b.cfg.Namespace).Delete(ctx, name, metav1.DeleteOptions{}); err != nil && !apierrors.IsNotFound(err) {
		return wrapK8sErr("RemoveWorkerSet", err)
	}
	if err := b.clientset.CoreV1().Services(b.cfg.Namespace).Delete(ctx, name, metav1.DeleteOptions{}); err != nil && !apierrors.IsNotFound(err) {
		return wrapK8sErr("RemoveWorkerSet", err)
	}
	return nil
}

// PublishRunSecret creates or updates the Secret object mounted
// read-only into a run's sidecars as their access-URL file source
// (spec.md §4.5 "secret object whose contents the credential-refresher
// updates in place").
func (b *Backend) PublishRunSecret(ctx context.Context, runID string, files map[string][]byte) error {
	name := "tyger-run-" + runID + "-access"
	secret := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:   name,
			Labels: backend.LabelSelector(runID),
		},
		Data: files,
	}

	_, err := b.clientset.CoreV1().Secrets(b.cfg.Namespace).Create(ctx, secret, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		_, err = b.clientset.CoreV1().Secrets(b.cfg.Namespace).Update(ctx, secret, metav1.UpdateOptions{})
	}
	if err != nil {
		return wrapK8sErr("PublishRunSecret", err)
	}
	return nil
}

func statusesFromPod(pod *corev1.Pod) []backend.ContainerStatus {
	out := make([]backend.ContainerStatus, 0, len(pod.Status.ContainerStatuses))
	for _, cs := range pod.Status.ContainerStatuses {
		exitCode := 0
		if cs.State.Terminated != nil {
			exitCode = int(cs.State.Terminated.ExitCode)
		}
		out = append(out, backend.ContainerStatus{
			Name:     pod.Name + "/" + cs.Name,
			Labels:   pod.Labels,
			State:    mapContainerState(cs.State),
			ExitCode: exitCode,
			Reason:   waitingReason(cs.State),
		})
	}
	return out
}

func mapContainerState(cs corev1.ContainerState) backend.ContainerState {
	switch {
	case cs.Running != nil:
		return backend.StateRunning
	case cs.Terminated != nil:
		return backend.StateExited
	default:
		return backend.StateWaiting
	}
}

func waitingReason(cs corev1.ContainerState) string {
	if cs.Waiting != nil {
		return cs.Waiting.Reason
	}
	return ""
}

func mapWatchEvent(t watch.EventType) backend.EventType {
	switch t {
	case watch.Added:
		return backend.EventAdded
	case watch.Deleted:
		return backend.EventDeleted
	default:
		return backend.EventModified
	}
}

func splitContainerRef(name string) (pod, container string) {
	if i := strings.IndexByte(name, '/'); i >= 0 {
		return name[:i], name[i+1:]
	}
	return name, ""
}

func unixTime(sec int64) time.Time { return time.Unix(sec, 0) }

func wrapK8sErr(op string, err error) error {
	if apierrors.IsNotFound(err) {
		return apperr.New(apperr.NotFound, op, err)
	}
	if apierrors.IsInvalid(err) || apierrors.IsBadRequest(err) {
		return apperr.New(apperr.BackendFatal, op, err)
	}
	return apperr.New(apperr.BackendTransient, op, err)
}
