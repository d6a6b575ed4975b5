package telegram

import (
	"context"
	"fmt"
	"io"

	"github.com/gotd/td/tg"
	"github.com/gotd/td/telegram/downloader"

	"github.com/swordintel/spectra/pkg/spectra/errs"
)

// downloadMedia resolves messageID's attached media and streams it into w
// in the bounded chunks spec §5 requires, using gotd/td's downloader
// helper rather than hand-rolling the upload.getFile paging loop.
func downloadMedia(ctx context.Context, api *tg.Client, entity ResolvedEntity, messageID int, w io.Writer) (*MediaRef, error) {
	res, err := api.ChannelsGetMessages(ctx, &tg.ChannelsGetMessagesRequest{
		Channel: &tg.InputChannel{ChannelID: entity.ID, AccessHash: entity.AccessHash},
		ID:      []tg.InputMessageClass{&tg.InputMessageID{ID: messageID}},
	})
	if err != nil {
		return nil, mapErr("telegram.downloadMedia", err)
	}

	msgs, ok := res.(*tg.MessagesChannelMessages)
	if !ok || len(msgs.Messages) == 0 {
		return nil, errs.New(errs.EntityAccess, "telegram.downloadMedia", fmt.Errorf("message %d not found", messageID))
	}
	msg, ok := msgs.Messages[0].(*tg.Message)
	if !ok || msg.Media == nil {
		return nil, errs.New(errs.EntityAccess, "telegram.downloadMedia", fmt.Errorf("message %d has no media", messageID))
	}

	ref, loc, err := mediaLocation(msg.Media)
	if err != nil {
		return nil, err
	}

	d := downloader.NewDownloader()
	_, err = d.Download(api, loc).Stream(ctx, w)
	if err != nil {
		return nil, errs.New(errs.NetworkTimeout, "telegram.downloadMedia", err)
	}
	return ref, nil
}

// mediaLocation extracts a downloadable InputFileLocation plus descriptive
// metadata from a message's MessageMedia, covering the photo/document
// cases the Archival Pipeline cares about.
func mediaLocation(media tg.MessageMediaClass) (*MediaRef, tg.InputFileLocationClass, error) {
	switch m := media.(type) {
	case *tg.MessageMediaPhoto:
		photo, ok := m.Photo.(*tg.Photo)
		if !ok {
			return nil, nil, errs.New(errs.EntityAccess, "telegram.mediaLocation", fmt.Errorf("photo unavailable"))
		}
		var largest *tg.PhotoSize
		for i := range photo.Sizes {
			if ps, ok := photo.Sizes[i].(*tg.PhotoSize); ok {
				if largest == nil || ps.Size > largest.Size {
					largest = ps
				}
			}
		}
		if largest == nil {
			return nil, nil, errs.New(errs.EntityAccess, "telegram.mediaLocation", fmt.Errorf("no usable photo size"))
		}
		return &MediaRef{MIME: "image/jpeg", Size: int64(largest.Size)},
			&tg.InputPhotoFileLocation{ID: photo.ID, AccessHash: photo.AccessHash, FileReference: photo.FileReference, ThumbSize: largest.Type},
			nil
	case *tg.MessageMediaDocument:
		doc, ok := m.Document.(*tg.Document)
		if !ok {
			return nil, nil, errs.New(errs.EntityAccess, "telegram.mediaLocation", fmt.Errorf("document unavailable"))
		}
		name := ""
		for _, attr := range doc.Attributes {
			if fn, ok := attr.(*tg.DocumentAttributeFilename); ok {
				name = fn.FileName
			}
		}
		return &MediaRef{MIME: doc.MimeType, Size: doc.Size, Name: name},
			&tg.InputDocumentFileLocation{ID: doc.ID, AccessHash: doc.AccessHash, FileReference: doc.FileReference},
			nil
	default:
		return nil, nil, errs.New(errs.EntityAccess, "telegram.mediaLocation", fmt.Errorf("unsupported media type %T", media))
	}
}
