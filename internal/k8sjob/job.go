// Package k8sjob implements the ClusterJobRuntime collaborator against a
// real Kubernetes batch/v1 Job API, used by both the cluster build
// backend and the run executor.
package k8sjob

import (
	"context"
	"io"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/psschwei/mellea-playground-core/internal/apperrors"
)

// JobStatus mirrors the small state set the executor's
// JOB_STATUS_TO_RUN_STATUS table switches on.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobNotFound  JobStatus = "not_found"
)

// JobSpec describes one Job to create, carrying only what spec.md names:
// image, resource requests/limits, env vars, secret mounts, and a hard
// wall-clock deadline.
type JobSpec struct {
	Name                  string
	Namespace             string
	Image                 string
	Command               []string
	Args                  []string
	Env                   map[string]string
	SecretMounts          []SecretMount
	CPURequest            string
	CPULimit              string
	MemoryRequest         string
	MemoryLimit           string
	ActiveDeadlineSeconds int64
	Labels                map[string]string
}

// SecretMount projects one Secret's keys into the job container as files.
type SecretMount struct {
	SecretName string
	MountPath  string
}

// JobInfo is the poll-facing view of a Job's current state.
type JobInfo struct {
	Name        string
	Status      JobStatus
	StartedAt   *time.Time
	CompletedAt *time.Time
	ExitCode    *int32
	Message     string
}

// DeleteOptions controls how DeleteJob propagates to the Job's Pods.
type DeleteOptions struct {
	GracePeriodSeconds *int64
	Foreground         bool
}

// ClusterJobRuntime is the collaborator contract spec.md §6 names; Runtime
// below is the concrete client-go-backed implementation.
type ClusterJobRuntime interface {
	CreateJob(ctx context.Context, spec JobSpec) (jobName string, err error)
	GetJobStatus(ctx context.Context, jobName, namespace string) (*JobInfo, error)
	DeleteJob(ctx context.Context, jobName, namespace string, opts DeleteOptions) error
	StreamLogs(ctx context.Context, jobName, namespace string) (io.ReadCloser, error)
	ListJobs(ctx context.Context, namespace, labelSelector string) ([]JobInfo, error)
}

// Runtime implements ClusterJobRuntime against a real cluster via
// client-go's typed BatchV1().Jobs(namespace) client.
type Runtime struct {
	Clientset kubernetes.Interface
}

var _ ClusterJobRuntime = (*Runtime)(nil)

func NewRuntime(clientset kubernetes.Interface) *Runtime {
	return &Runtime{Clientset: clientset}
}

func quantity(v string) resource.Quantity {
	if v == "" {
		return resource.Quantity{}
	}
	q, err := resource.ParseQuantity(v)
	if err != nil {
		return resource.Quantity{}
	}
	return q
}

func (r *Runtime) CreateJob(ctx context.Context, spec JobSpec) (string, error) {
	var envVars []corev1.EnvVar
	for k, v := range spec.Env {
		envVars = append(envVars, corev1.EnvVar{Name: k, Value: v})
	}

	var volumes []corev1.Volume
	var mounts []corev1.VolumeMount
	for _, m := range spec.SecretMounts {
		volName := "secret-" + m.SecretName
		volumes = append(volumes, corev1.Volume{
			Name: volName,
			VolumeSource: corev1.VolumeSource{
				Secret: &corev1.SecretVolumeSource{SecretName: m.SecretName},
			},
		})
		mounts = append(mounts, corev1.VolumeMount{
			Name:      volName,
			MountPath: m.MountPath,
			ReadOnly:  true,
		})
	}

	resources := corev1.ResourceRequirements{
		Requests: corev1.ResourceList{},
		Limits:   corev1.ResourceList{},
	}
	if spec.CPURequest != "" {
		resources.Requests[corev1.ResourceCPU] = quantity(spec.CPURequest)
	}
	if spec.MemoryRequest != "" {
		resources.Requests[corev1.ResourceMemory] = quantity(spec.MemoryRequest)
	}
	if spec.CPULimit != "" {
		resources.Limits[corev1.ResourceCPU] = quantity(spec.CPULimit)
	}
	if spec.MemoryLimit != "" {
		resources.Limits[corev1.ResourceMemory] = quantity(spec.MemoryLimit)
	}

	backoffLimit := int32(0)
	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      spec.Name,
			Namespace: spec.Namespace,
			Labels:    spec.Labels,
		},
		Spec: batchv1.JobSpec{
			BackoffLimit:          &backoffLimit,
			ActiveDeadlineSeconds: ptrOrNil(spec.ActiveDeadlineSeconds),
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: spec.Labels},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					Containers: []corev1.Container{
						{
							Name:         "runner",
							Image:        spec.Image,
							Command:      spec.Command,
							Args:         spec.Args,
							Env:          envVars,
							Resources:    resources,
							VolumeMounts: mounts,
						},
					},
					Volumes: volumes,
				},
			},
		},
	}

	created, err := r.Clientset.BatchV1().Jobs(spec.Namespace).Create(ctx, job, metav1.CreateOptions{})
	if err != nil {
		return "", apperrors.Wrapf(err, apperrors.ErrorTypeBackendUnavailable, "creating job %s/%s", spec.Namespace, spec.Name)
	}
	return created.Name, nil
}

func ptrOrNil(seconds int64) *int64 {
	if seconds <= 0 {
		return nil
	}
	return &seconds
}

func (r *Runtime) GetJobStatus(ctx context.Context, jobName, namespace string) (*JobInfo, error) {
	job, err := r.Clientset.BatchV1().Jobs(namespace).Get(ctx, jobName, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return &JobInfo{Name: jobName, Status: JobNotFound}, nil
	}
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.ErrorTypeBackendUnavailable, "getting job %s/%s", namespace, jobName)
	}

	info := &JobInfo{Name: jobName}
	switch {
	case job.Status.Succeeded > 0:
		info.Status = JobSucceeded
	case job.Status.Failed > 0:
		info.Status = JobFailed
	case job.Status.Active > 0:
		info.Status = JobRunning
	default:
		info.Status = JobPending
	}

	if job.Status.StartTime != nil {
		t := job.Status.StartTime.Time
		info.StartedAt = &t
	}
	if job.Status.CompletionTime != nil {
		t := job.Status.CompletionTime.Time
		info.CompletedAt = &t
	}
	for _, cond := range job.Status.Conditions {
		if cond.Type == batchv1.JobFailed && cond.Status == corev1.ConditionTrue {
			info.Message = cond.Message
		}
	}
	return info, nil
}

func (r *Runtime) DeleteJob(ctx context.Context, jobName, namespace string, opts DeleteOptions) error {
	policy := metav1.DeletePropagationBackground
	if opts.Foreground {
		policy = metav1.DeletePropagationForeground
	}
	delOpts := metav1.DeleteOptions{
		PropagationPolicy:  &policy,
		GracePeriodSeconds: opts.GracePeriodSeconds,
	}
	err := r.Clientset.BatchV1().Jobs(namespace).Delete(ctx, jobName, delOpts)
	if err != nil && !apierrors.IsNotFound(err) {
		return apperrors.Wrapf(err, apperrors.ErrorTypeBackendUnavailable, "deleting job %s/%s", namespace, jobName)
	}
	return nil
}

// StreamLogs returns the log stream of the job's (sole) pod, selected by
// the job-name label client-go's batch controller attaches to every Pod
// it creates for a Job.
func (r *Runtime) StreamLogs(ctx context.Context, jobName, namespace string) (io.ReadCloser, error) {
	pods, err := r.Clientset.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{
		LabelSelector: "job-name=" + jobName,
	})
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.ErrorTypeBackendUnavailable, "listing pods for job %s/%s", namespace, jobName)
	}
	if len(pods.Items) == 0 {
		return nil, apperrors.NewNotFoundError("pod for job " + jobName)
	}

	req := r.Clientset.CoreV1().Pods(namespace).GetLogs(pods.Items[0].Name, &corev1.PodLogOptions{Follow: true})
	stream, err := req.Stream(ctx)
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.ErrorTypeBackendUnavailable, "streaming logs for pod %s", pods.Items[0].Name)
	}
	return stream, nil
}

// ListJobs returns the JobInfo of every Job in namespace matching
// labelSelector, used by the idle controller to find orphaned jobs that
// have run past their expected lifetime.
func (r *Runtime) ListJobs(ctx context.Context, namespace, labelSelector string) ([]JobInfo, error) {
	jobs, err := r.Clientset.BatchV1().Jobs(namespace).List(ctx, metav1.ListOptions{LabelSelector: labelSelector})
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.ErrorTypeBackendUnavailable, "listing jobs in %s", namespace)
	}

	infos := make([]JobInfo, 0, len(jobs.Items))
	for _, job := range jobs.Items {
		info := JobInfo{Name: job.Name}
		switch {
		case job.Status.Succeeded > 0:
			info.Status = JobSucceeded
		case job.Status.Failed > 0:
			info.Status = JobFailed
		case job.Status.Active > 0:
			info.Status = JobRunning
		default:
			info.Status = JobPending
		}
		if job.Status.StartTime != nil {
			t := job.Status.StartTime.Time
			info.StartedAt = &t
		}
		if job.Status.CompletionTime != nil {
			t := job.Status.CompletionTime.Time
			info.CompletedAt = &t
		}
		infos = append(infos, info)
	}
	return infos, nil
}
