// Package api wraps the hypervisor REST endpoints whose mutations return
// operation handles.
package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/canonical/lxdops/pkg/lxdops/actions"
	"github.com/canonical/lxdops/pkg/lxdops/core"
)

// Requester is the slice of the transport client the wrappers use.
// *transport.Client implements it.
type Requester interface {
	Get(ctx context.Context, path string, query url.Values) (*core.Response, error)
	Put(ctx context.Context, path string, query url.Values, body interface{}) (*core.Response, error)
	Delete(ctx context.Context, path string, query url.Values) (*core.Response, error)
	GetText(ctx context.Context, path string, query url.Values) (string, error)
	Upload(ctx context.Context, path string, query url.Values, body io.Reader, headers http.Header) (*core.Response, error)
}

// Instance is an instance as listed by the server
type Instance struct {
	Name     string `json:"name" yaml:"name"`
	Project  string `json:"project" yaml:"project"`
	Status   string `json:"status" yaml:"status"`
	Type     string `json:"type" yaml:"type"`
	Location string `json:"location,omitempty" yaml:"location,omitempty"`
}

// StatePut is the body of an instance state change
type StatePut struct {
	Action   string `json:"action"`
	Timeout  int    `json:"timeout"`
	Force    bool   `json:"force"`
	Stateful bool   `json:"stateful"`
}

// Instances wraps /1.0/instances
type Instances struct {
	client  Requester
	project string
}

// NewInstances scopes instance calls to project. An empty project means the
// server default.
func NewInstances(client Requester, project string) *Instances {
	return &Instances{client: client, project: project}
}

// List returns every instance of the project
func (i *Instances) List(ctx context.Context) ([]Instance, error) {
	resp, err := i.client.Get(ctx, "/1.0/instances", withProject(i.project, url.Values{"recursion": {"1"}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	var list []Instance
	if err := resp.MetadataAs(&list); err != nil {
		return nil, err
	}
	return list, nil
}

// UpdateState asks the server to start, stop, restart, freeze or unfreeze
// an instance. It returns the async envelope of the operation.
func (i *Instances) UpdateState(ctx context.Context, name string, action actions.Action, force bool) (*core.Response, error) {
	body := StatePut{Action: string(action), Timeout: -1, Force: force}
	return async(i.client.Put(ctx, instancePath(name)+"/state", withProject(i.project, nil), body))
}

// Delete removes an instance
func (i *Instances) Delete(ctx context.Context, name string) (*core.Response, error) {
	return async(i.client.Delete(ctx, instancePath(name), withProject(i.project, nil)))
}

// ConsoleLog returns the console buffer of an instance
func (i *Instances) ConsoleLog(ctx context.Context, name string) (string, error) {
	return i.client.GetText(ctx, instancePath(name)+"/console", withProject(i.project, nil))
}

// CreateFromBackup uploads a backup tarball as a new instance named name.
// Cancelling ctx aborts the upload.
func (i *Instances) CreateFromBackup(ctx context.Context, name string, backup io.Reader) (*core.Response, error) {
	headers := http.Header{}
	if name != "" {
		headers.Set("X-LXD-name", name)
	}
	return async(i.client.Upload(ctx, "/1.0/instances", withProject(i.project, nil), backup, headers))
}

// Snapshots wraps /1.0/instances/<name>/snapshots
type Snapshots struct {
	client  Requester
	project string
}

// NewSnapshots scopes snapshot calls to project
func NewSnapshots(client Requester, project string) *Snapshots {
	return &Snapshots{client: client, project: project}
}

// Delete removes one snapshot of an instance
func (s *Snapshots) Delete(ctx context.Context, instance, snapshot string) (*core.Response, error) {
	path := instancePath(instance) + "/snapshots/" + url.PathEscape(snapshot)
	return async(s.client.Delete(ctx, path, withProject(s.project, nil)))
}

// Operations wraps /1.0/operations
type Operations struct {
	client Requester
}

// NewOperations creates the operations wrapper
func NewOperations(client Requester) *Operations {
	return &Operations{client: client}
}

// Get returns the current state of an operation
func (o *Operations) Get(ctx context.Context, id core.OperationID) (*core.Operation, error) {
	resp, err := o.client.Get(ctx, operationPath(id), nil)
	if err != nil {
		return nil, err
	}
	return resp.AsOperation()
}

// Cancel asks the server to cancel an operation. Only operations with
// may_cancel set can be cancelled.
func (o *Operations) Cancel(ctx context.Context, id core.OperationID) error {
	_, err := o.client.Delete(ctx, operationPath(id), nil)
	return err
}

func instancePath(name string) string {
	return "/1.0/instances/" + url.PathEscape(name)
}

func operationPath(id core.OperationID) string {
	return "/1.0/operations/" + url.PathEscape(string(id))
}

func withProject(project string, query url.Values) url.Values {
	if project == "" {
		return query
	}
	if query == nil {
		query = url.Values{}
	}
	query.Set("project", project)
	return query
}

// async checks that a mutation returned an operation handle
func async(resp *core.Response, err error) (*core.Response, error) {
	if err != nil {
		return nil, err
	}
	if !resp.IsAsync() {
		return nil, fmt.Errorf("expected an operation, got a %s response", resp.Type)
	}
	return resp, nil
}
