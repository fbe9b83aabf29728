package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"doc-intel-go/internal/model"
	"doc-intel-go/internal/service"
	"doc-intel-go/pkg/log"
	"doc-intel-go/pkg/token"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // 允许所有来源
	},
}

// ChatHandler 负责处理 WebSocket 流式问答连接。
type ChatHandler struct {
	queryService service.QueryService
	jwtManager   *token.JWTManager
}

// NewChatHandler 创建一个新的 ChatHandler。
func NewChatHandler(queryService service.QueryService, jwtManager *token.JWTManager) *ChatHandler {
	return &ChatHandler{
		queryService: queryService,
		jwtManager:   jwtManager,
	}
}

// clientFrame 是客户端发来的控制消息，普通文本消息直接视为问题。
type clientFrame struct {
	Type     string `json:"type"`
	Question string `json:"question"`
}

// chunkWriter 把模型输出的每个分块包装成 {"chunk": ...} 帧。
type chunkWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *chunkWriter) WriteMessage(messageType int, data []byte) error {
	return w.writeJSON(gin.H{"chunk": string(data)})
}

func (w *chunkWriter) writeJSON(v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteMessage(websocket.TextMessage, b)
}

// Handle 处理 GET /chat/:token?document_id=N。
// 每条消息是一个问题，{"type":"stop"} 中断当前回答。
func (h *ChatHandler) Handle(c *gin.Context) {
	claims, err := h.jwtManager.VerifyToken(c.Param("token"))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "无效的 token", "data": nil})
		return
	}
	docID, err := strconv.ParseUint(c.Query("document_id"), 10, 64)
	if err != nil || docID == 0 {
		badRequest(c, "无效的 document_id")
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("[ChatHandler] WebSocket 升级失败", err)
		return
	}
	defer conn.Close()
	log.Infof("[ChatHandler] WebSocket 连接已建立, userID: %d, documentID: %d", claims.UserID, docID)

	connCtx, cancelConn := context.WithCancel(context.Background())
	defer cancelConn()

	var (
		mu            sync.Mutex
		cancelCurrent context.CancelFunc
	)
	questions := make(chan string)
	go func() {
		defer close(questions)
		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				log.Infof("[ChatHandler] 连接关闭, userID: %d: %v", claims.UserID, err)
				cancelConn()
				return
			}
			var frame clientFrame
			if len(message) > 0 && message[0] == '{' && json.Unmarshal(message, &frame) == nil {
				if frame.Type == "stop" {
					mu.Lock()
					if cancelCurrent != nil {
						cancelCurrent()
					}
					mu.Unlock()
					continue
				}
				message = []byte(frame.Question)
			}
			select {
			case questions <- string(message):
			case <-connCtx.Done():
				return
			}
		}
	}()

	writer := &chunkWriter{conn: conn}
	for question := range questions {
		qctx, cancel := context.WithCancel(connCtx)
		mu.Lock()
		cancelCurrent = cancel
		mu.Unlock()

		answer, err := h.queryService.AskStream(qctx, claims.UserID, uint(docID), question, writer)

		mu.Lock()
		cancelCurrent = nil
		mu.Unlock()
		stopped := qctx.Err() != nil
		cancel()

		if connCtx.Err() != nil {
			return
		}
		if err := h.finish(writer, answer, err, stopped); err != nil {
			log.Warnf("[ChatHandler] 写入 WebSocket 失败: %v", err)
			return
		}
	}
}

// finish 在每个问题结束后发送错误帧（如有）和完成帧。
func (h *ChatHandler) finish(w *chunkWriter, answer *model.Answer, err error, stopped bool) error {
	now := time.Now()
	if stopped {
		return w.writeJSON(gin.H{"type": "stop", "message": "响应已停止", "timestamp": now.UnixMilli()})
	}
	if err != nil {
		log.Warnf("[ChatHandler] 流式问答失败: %v", err)
		frame := gin.H{"type": "error", "kind": model.ErrorKind(err), "error": publicMessage(err)}
		if errors.Is(err, model.ErrGenerationFailed) && answer != nil {
			frame["answer"] = answer.Text
		}
		if werr := w.writeJSON(frame); werr != nil {
			return werr
		}
	}

	completion := gin.H{
		"type":      "completion",
		"status":    "finished",
		"timestamp": now.UnixMilli(),
	}
	if answer != nil {
		completion["source"] = answer.Source
		completion["chunks_used"] = answer.ChunksUsed
		completion["best_distance"] = answer.BestDistance
	}
	return w.writeJSON(completion)
}
