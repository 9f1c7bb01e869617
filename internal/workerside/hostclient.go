package workerside

import (
	"context"

	"github.com/basket/stowage/internal/ipc"
)

// HostClient issues worker-to-host calls over the shared router.
type HostClient struct {
	router *ipc.Router
}

func NewHostClient(router *ipc.Router) *HostClient {
	return &HostClient{router: router}
}

func (c *HostClient) GetWorkerExecConfig(ctx context.Context, appID string) (ipc.WorkerExecConfig, error) {
	return ipc.Invoke[ipc.WorkerExecConfig](ctx, c.router, string(ipc.ActionGetWorkerExecConfig), ipc.AppRequest{AppIdentifier: appID})
}

func (c *HostClient) GetUIBundle(ctx context.Context, appID string) (ipc.UIBundle, error) {
	return ipc.Invoke[ipc.UIBundle](ctx, c.router, string(ipc.ActionGetUIBundle), ipc.AppRequest{AppIdentifier: appID})
}

func (c *HostClient) GetFolderObject(ctx context.Context, folderID, objectKey string) (ipc.FolderObject, error) {
	return ipc.Invoke[ipc.FolderObject](ctx, c.router, string(ipc.ActionGetFolderObject),
		ipc.FolderObjectRequest{FolderID: folderID, ObjectKey: objectKey})
}

func (c *HostClient) GetContentSignedURLs(ctx context.Context, folderID string, keys []string, method string) (ipc.SignedURLs, error) {
	return ipc.Invoke[ipc.SignedURLs](ctx, c.router, string(ipc.ActionGetContentSignedURLs),
		ipc.ContentSignedURLsRequest{FolderID: folderID, ObjectKeys: keys, Method: method})
}

func (c *HostClient) GetMetadataSignedURLs(ctx context.Context, folderID, objectKey string, names []string, method string) (ipc.SignedURLs, error) {
	return ipc.Invoke[ipc.SignedURLs](ctx, c.router, string(ipc.ActionGetMetadataSignedURLs),
		ipc.MetadataSignedURLsRequest{FolderID: folderID, ObjectKey: objectKey, MetadataNames: names, Method: method})
}
