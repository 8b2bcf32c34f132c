// Package job drives the asynchronous DataDownload geoprocessing task.
//
// [Client.Submit] posts an area of interest and returns the job ID;
// [Client.Status] maps ESRI job states to [Status]. [Poller] repeats status
// queries until the job is terminal, a wall-clock budget runs out or the
// context is cancelled.
package job
