package hub

import (
	"encoding/json"
	"os"

	"github.com/termlink/termlink/internal/fsops"
	"github.com/termlink/termlink/internal/protocol"
	"github.com/termlink/termlink/internal/sandbox"
)

// Filesystem requests run on a fixed worker pool so a slow disk cannot stall
// the websocket read loops.
const (
	fsWorkers   = 8
	fsQueueSize = 256
)

func (h *Hub) fsWorker() {
	defer h.wg.Done()
	for {
		select {
		case job := <-h.fsJobs:
			job()
		case <-h.quit:
			return
		}
	}
}

// enqueueFS parks the request on the worker pool. Each job takes its own
// policy snapshot, so a policy reload applies to requests queued after it.
func (c *client) enqueueFS(env protocol.Envelope, raw []byte) {
	job := func() {
		select {
		case <-c.done:
			// Client left while the request was queued; drop the result.
			return
		default:
		}
		engine := fsops.NewEngine(sandbox.New(c.hub.policies.Current()))
		c.serveFS(engine, env, raw)
	}

	select {
	case c.hub.fsJobs <- job:
	default:
		c.fsError(env.RequestID, "", protocol.NewFSError(protocol.CodeRateLimited, "", "filesystem queue is full"))
	}
}

func (c *client) fsError(requestID, path string, err error) {
	fe := protocol.AsFSError(path, err)
	c.send(protocol.OperationError{
		Type:      protocol.TypeOperationError,
		RequestID: requestID,
		Code:      fe.Code,
		Message:   fe.Msg,
		Path:      fe.Path,
	})
}

func (c *client) fsSuccess(requestID, path, message string) {
	c.send(protocol.OperationSuccess{
		Type:      protocol.TypeOperationSuccess,
		RequestID: requestID,
		Path:      path,
		Message:   message,
	})
}

func (c *client) serveFS(engine *fsops.Engine, env protocol.Envelope, raw []byte) {
	switch env.Type {
	case protocol.TypeListDirectory:
		var m protocol.ListDirectory
		if err := json.Unmarshal(raw, &m); err != nil {
			c.fsError(env.RequestID, "", protocol.NewFSError(protocol.CodeIOError, "", "invalid list_directory"))
			return
		}
		res, err := engine.ListDirectory(m.Path, m.IncludeHidden, m.SortBy, m.SortOrder)
		if err != nil {
			c.fsError(m.RequestID, m.Path, err)
			return
		}
		c.send(protocol.DirectoryListing{
			Type:       protocol.TypeDirectoryListing,
			RequestID:  m.RequestID,
			Path:       res.Path,
			Entries:    res.Entries,
			TotalCount: res.TotalCount,
			Truncated:  res.Truncated,
		})

	case protocol.TypeReadFile:
		var m protocol.ReadFile
		if err := json.Unmarshal(raw, &m); err != nil {
			c.fsError(env.RequestID, "", protocol.NewFSError(protocol.CodeIOError, "", "invalid read_file"))
			return
		}
		res, err := engine.ReadFile(m.Path, m.Offset, m.Length, m.Encoding)
		if err != nil {
			c.fsError(m.RequestID, m.Path, err)
			return
		}
		c.send(protocol.FileContent{
			Type:        protocol.TypeFileContent,
			RequestID:   m.RequestID,
			Path:        res.Path,
			Content:     res.Content,
			Encoding:    res.Encoding,
			Size:        res.Size,
			MimeType:    res.MimeType,
			TruncatedAt: res.TruncatedAt,
		})

	case protocol.TypeReadFileChunk:
		var m protocol.ReadFileChunk
		if err := json.Unmarshal(raw, &m); err != nil {
			c.fsError(env.RequestID, "", protocol.NewFSError(protocol.CodeIOError, "", "invalid read_file_chunk"))
			return
		}
		res, err := engine.ReadFileChunk(m.Path, m.ChunkIndex, m.ChunkSize)
		if err != nil {
			c.fsError(m.RequestID, m.Path, err)
			return
		}
		c.send(protocol.FileChunk{
			Type:        protocol.TypeFileChunk,
			RequestID:   m.RequestID,
			Path:        res.Path,
			ChunkIndex:  res.ChunkIndex,
			TotalChunks: res.TotalChunks,
			TotalSize:   res.TotalSize,
			Data:        res.Data,
			Checksum:    res.Checksum,
			IsLast:      res.IsLast,
		})

	case protocol.TypeWriteFile:
		var m protocol.WriteFile
		if err := json.Unmarshal(raw, &m); err != nil {
			c.fsError(env.RequestID, "", protocol.NewFSError(protocol.CodeIOError, "", "invalid write_file"))
			return
		}
		path, err := engine.WriteFile(m.Path, m.Content, m.Encoding, m.CreateParents)
		if err != nil {
			c.fsError(m.RequestID, m.Path, err)
			return
		}
		c.fsSuccess(m.RequestID, path, "written")

	case protocol.TypeUploadFile:
		var m protocol.UploadFile
		if err := json.Unmarshal(raw, &m); err != nil {
			c.fsError(env.RequestID, "", protocol.NewFSError(protocol.CodeIOError, "", "invalid upload_file"))
			return
		}
		path, err := engine.Upload(m.Root, m.FileName, m.Content)
		if err != nil {
			c.fsError(m.RequestID, m.Root, err)
			return
		}
		c.fsSuccess(m.RequestID, path, "uploaded")

	case protocol.TypeCreateDirectory:
		var m protocol.CreateDirectory
		if err := json.Unmarshal(raw, &m); err != nil {
			c.fsError(env.RequestID, "", protocol.NewFSError(protocol.CodeIOError, "", "invalid create_directory"))
			return
		}
		path, err := engine.CreateDirectory(m.Path, m.Recursive)
		if err != nil {
			c.fsError(m.RequestID, m.Path, err)
			return
		}
		c.fsSuccess(m.RequestID, path, "created")

	case protocol.TypeDeletePath:
		var m protocol.DeletePath
		if err := json.Unmarshal(raw, &m); err != nil {
			c.fsError(env.RequestID, "", protocol.NewFSError(protocol.CodeIOError, "", "invalid delete_path"))
			return
		}
		if err := engine.DeletePath(m.Path, m.Recursive); err != nil {
			c.fsError(m.RequestID, m.Path, err)
			return
		}
		c.fsSuccess(m.RequestID, m.Path, "deleted")

	case protocol.TypeRenamePath:
		var m protocol.RenamePath
		if err := json.Unmarshal(raw, &m); err != nil {
			c.fsError(env.RequestID, "", protocol.NewFSError(protocol.CodeIOError, "", "invalid rename_path"))
			return
		}
		path, err := engine.RenamePath(m.OldPath, m.NewPath)
		if err != nil {
			c.fsError(m.RequestID, m.OldPath, err)
			return
		}
		c.fsSuccess(m.RequestID, path, "renamed")

	case protocol.TypeCopyPath:
		var m protocol.CopyPath
		if err := json.Unmarshal(raw, &m); err != nil {
			c.fsError(env.RequestID, "", protocol.NewFSError(protocol.CodeIOError, "", "invalid copy_path"))
			return
		}
		path, err := engine.CopyPath(m.SourcePath, m.DestPath, m.Recursive)
		if err != nil {
			c.fsError(m.RequestID, m.SourcePath, err)
			return
		}
		c.fsSuccess(m.RequestID, path, "copied")

	case protocol.TypeGetFileInfo:
		var m protocol.GetFileInfo
		if err := json.Unmarshal(raw, &m); err != nil {
			c.fsError(env.RequestID, "", protocol.NewFSError(protocol.CodeIOError, "", "invalid get_file_info"))
			return
		}
		info, err := engine.GetFileInfo(m.Path)
		if err != nil {
			c.fsError(m.RequestID, m.Path, err)
			return
		}
		c.send(protocol.FileInfo{Type: protocol.TypeFileInfo, RequestID: m.RequestID, Info: info})

	case protocol.TypeSearchFiles:
		var m protocol.SearchFiles
		if err := json.Unmarshal(raw, &m); err != nil {
			c.fsError(env.RequestID, "", protocol.NewFSError(protocol.CodeIOError, "", "invalid search_files"))
			return
		}
		res, err := engine.SearchFiles(m.Path, m.NamePattern, m.ContentPattern, m.MaxDepth, m.MaxResults)
		if err != nil {
			c.fsError(m.RequestID, m.Path, err)
			return
		}
		c.send(protocol.SearchResults{
			Type:      protocol.TypeSearchResults,
			RequestID: m.RequestID,
			Matches:   res.Matches,
			Truncated: res.Truncated,
		})

	case protocol.TypeWatchDirectory:
		var m protocol.WatchDirectory
		if err := json.Unmarshal(raw, &m); err != nil {
			c.fsError(env.RequestID, "", protocol.NewFSError(protocol.CodeIOError, "", "invalid watch_directory"))
			return
		}
		c.handleWatch(m)

	case protocol.TypeUnwatchDirectory:
		var m protocol.UnwatchDirectory
		if err := json.Unmarshal(raw, &m); err != nil {
			c.fsError(env.RequestID, "", protocol.NewFSError(protocol.CodeIOError, "", "invalid unwatch_directory"))
			return
		}
		c.handleUnwatch(m)

	case protocol.TypeGetHomeDirectory:
		home, err := os.UserHomeDir()
		if err != nil {
			c.fsError(env.RequestID, "", protocol.NewFSError(protocol.CodeIOError, "", "home directory unavailable"))
			return
		}
		c.send(protocol.HomeDirectory{Type: protocol.TypeHomeDirectory, RequestID: env.RequestID, Path: home})

	case protocol.TypeGetAllowedRoots:
		policy := c.hub.policies.Current()
		roots := make([]string, len(policy.AllowedRoots))
		copy(roots, policy.AllowedRoots)
		c.send(protocol.AllowedRoots{Type: protocol.TypeAllowedRoots, RequestID: env.RequestID, Roots: roots})
	}
}

// handleWatch validates the directory, registers it with the shared watcher,
// and remembers it in the client's watch set for disconnect cleanup.
func (c *client) handleWatch(m protocol.WatchDirectory) {
	v := sandbox.New(c.hub.policies.Current())
	canonical, err := v.ValidateExisting(m.Path)
	if err != nil {
		c.fsError(m.RequestID, m.Path, err)
		return
	}
	info, err := os.Stat(canonical)
	if err != nil {
		c.fsError(m.RequestID, m.Path, err)
		return
	}
	if !info.IsDir() {
		c.fsError(m.RequestID, m.Path, protocol.NewFSError(protocol.CodeNotADirectory, m.Path, "watch target is not a directory"))
		return
	}

	c.mu.Lock()
	_, already := c.watches[canonical]
	if !already {
		c.watches[canonical] = struct{}{}
	}
	c.mu.Unlock()

	if !already {
		if err := c.hub.watcher.Watch(canonical); err != nil {
			c.mu.Lock()
			delete(c.watches, canonical)
			c.mu.Unlock()
			c.fsError(m.RequestID, m.Path, err)
			return
		}
	}
	c.fsSuccess(m.RequestID, canonical, "watching")
}

func (c *client) handleUnwatch(m protocol.UnwatchDirectory) {
	v := sandbox.New(c.hub.policies.Current())
	canonical, err := v.ValidateExisting(m.Path)
	if err != nil {
		// The directory may have been deleted since the watch was placed;
		// fall back to the literal path so cleanup still works.
		canonical = m.Path
	}

	c.mu.Lock()
	_, had := c.watches[canonical]
	delete(c.watches, canonical)
	c.mu.Unlock()

	if had {
		c.hub.watcher.Unwatch(canonical)
	}
	c.fsSuccess(m.RequestID, canonical, "unwatched")
}
