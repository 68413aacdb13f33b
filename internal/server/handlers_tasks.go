package server

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"

	"github.com/ashita-ai/maintask/internal/maintenance"
	"github.com/ashita-ai/maintask/internal/model"
)

// maxMultipartMemory is how much of a multipart body is held in memory before
// spilling file parts to disk.
const maxMultipartMemory = 8 << 20

// HandleListTasks handles GET /v1/tasks.
func (h *Handlers) HandleListTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.registry.Catalog())
}

// HandleGetTask handles GET /v1/tasks/{task}.
func (h *Handlers) HandleGetTask(w http.ResponseWriter, r *http.Request) {
	def, err := h.registry.Lookup(r.PathValue("task"))
	if err != nil {
		h.writeServiceError(w, r, err, "failed to look up task")
		return
	}
	writeJSON(w, r, http.StatusOK, def.Info())
}

// HandleCreateRun handles POST /v1/tasks/{task}/runs.
//
// JSON bodies carry model.CreateRunRequest. Multipart bodies carry arguments
// as plain form fields and the CSV in a file part named "csv".
func (h *Handlers) HandleCreateRun(w http.ResponseWriter, r *http.Request) {
	req := maintenance.RunRequest{TaskName: r.PathValue("task")}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		args, upload, err := h.parseMultipartRun(w, r)
		if err != nil {
			handleDecodeError(w, r, err)
			return
		}
		req.Arguments, req.CSV = args, upload
	} else {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxRequestBodyBytes)
		var body model.CreateRunRequest
		if err := decodeJSON(r, &body); err != nil && !errors.Is(err, io.EOF) {
			handleDecodeError(w, r, err)
			return
		}
		req.Arguments = body.Arguments
	}

	run, err := h.runner.Run(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, err, "failed to create run")
		return
	}
	writeJSON(w, r, http.StatusCreated, model.NewRunView(run))
}

func (h *Handlers) parseMultipartRun(w http.ResponseWriter, r *http.Request) (map[string]string, *maintenance.CSVUpload, error) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		return nil, nil, err
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	var args map[string]string
	for name, values := range r.MultipartForm.Value {
		if len(values) == 0 {
			continue
		}
		if args == nil {
			args = make(map[string]string, len(r.MultipartForm.Value))
		}
		args[name] = values[0]
	}

	file, header, err := r.FormFile("csv")
	if errors.Is(err, http.ErrMissingFile) {
		return args, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = file.Close() }()

	content, err := readAll(file, h.maxUploadBytes)
	if err != nil {
		return nil, nil, err
	}
	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "text/csv"
	}
	return args, &maintenance.CSVUpload{
		Filename:    header.Filename,
		ContentType: contentType,
		Content:     content,
	}, nil
}

// HandleListRuns handles GET /v1/tasks/{task}/runs. History is listed by
// name, so Runs of tasks that are no longer registered stay visible.
func (h *Handlers) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	task := r.PathValue("task")
	if len(task) > model.MaxTaskNameLen {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			fmt.Sprintf("task name exceeds %d characters", model.MaxTaskNameLen))
		return
	}
	statuses, err := queryStatuses(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	limit := queryLimit(r, 50)
	offset := queryOffset(r)
	runs, total, err := h.store.ListRuns(r.Context(), model.RunFilter{
		TaskName: task,
		Statuses: statuses,
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		h.writeInternalError(w, r, "failed to list runs", err)
		return
	}

	views := make([]model.RunView, len(runs))
	for i, run := range runs {
		views[i] = model.NewRunView(run)
	}
	writeList(w, r, views, total, limit, offset, len(views))
}
